package cli

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// OverrideEnvVar names a .env file that takes precedence over --env.
const OverrideEnvVar = "ISSUE_INDEX_ENV_FILE"

// EnvLoader loads .env files with a predictable override order.
type EnvLoader struct {
	value       *string
	defaultPath string
}

type envCandidate struct {
	path  string
	label string
}

// AddEnvFlag registers an --env flag and returns an EnvLoader.
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}

	value := fs.String("env", defaultPath, description)
	return &EnvLoader{
		value:       value,
		defaultPath: defaultPath,
	}
}

// Load overlays the first readable candidate onto the process environment:
// $ISSUE_INDEX_ENV_FILE, then --env, then its basename, then the default.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	log.SetOutput(os.Stderr)

	requested := l.requested()
	for _, c := range l.candidates(requested) {
		if err := godotenv.Overload(c.path); err != nil {
			if c.label == OverrideEnvVar {
				log.Printf("Warning: failed to load %s=%s", OverrideEnvVar, c.path)
			}
			continue
		}
		log.Printf("Loaded environment from %s: %s", c.label, c.path)
		return c.path, nil
	}

	return "", fmt.Errorf("failed to load env file from %s", requested)
}

func (l *EnvLoader) requested() string {
	if l.value != nil {
		if trimmed := strings.TrimSpace(*l.value); trimmed != "" {
			return trimmed
		}
	}
	return l.defaultPath
}

func (l *EnvLoader) candidates(requested string) []envCandidate {
	out := make([]envCandidate, 0, 4)
	if custom := strings.TrimSpace(os.Getenv(OverrideEnvVar)); custom != "" {
		out = append(out, envCandidate{path: custom, label: OverrideEnvVar})
	}
	out = append(out, envCandidate{path: requested, label: "--env"})
	if base := filepath.Base(requested); base != "" && base != requested {
		out = append(out, envCandidate{path: base, label: "basename fallback"})
	}
	if requested != l.defaultPath {
		out = append(out, envCandidate{path: l.defaultPath, label: "default"})
	}
	return out
}
