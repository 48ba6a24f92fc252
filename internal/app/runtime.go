package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"horse.fit/issue-index/internal/cli"
	"horse.fit/issue-index/internal/config"
	"horse.fit/issue-index/internal/logging"
	"horse.fit/issue-index/internal/vocabulary"
)

const defaultLockWait = 30 * time.Second

// loadRuntime loads .env, config and the logger, printing failures the way
// every command reports them.
func loadRuntime(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, bool) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, zerolog.Nop(), false
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return nil, zerolog.Nop(), false
	}
	return cfg, logger, true
}

func loadVocabulary(cfg *config.Config, logger zerolog.Logger) (*vocabulary.Vocabulary, error) {
	vocab, err := vocabulary.Load(cfg.VocabularyFile)
	if err != nil {
		return nil, err
	}
	source := strings.TrimSpace(cfg.VocabularyFile)
	if source == "" {
		source = "embedded"
	}
	logger.Debug().
		Str("source", source).
		Int("categories", len(vocab.Categories())).
		Msg("job tag vocabulary loaded")
	return vocab, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// acquireWriterLock takes the process-level lock that keeps two compute or
// schedule processes from writing the same buckets.
func acquireWriterLock(path string, timeout time.Duration) (func(), error) {
	lockPath, err := resolveLockPath(path)
	if err != nil {
		return func() {}, err
	}

	l := flock.New(lockPath)
	deadline := time.Now().Add(timeout)
	for {
		locked, err := l.TryLock()
		if err != nil {
			return func() {}, fmt.Errorf("acquire writer lock: %w", err)
		}
		if locked {
			return func() { _ = l.Unlock() }, nil
		}
		if time.Now().After(deadline) {
			return func() {}, fmt.Errorf("another issue index writer is running (lock: %s)", lockPath)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func resolveLockPath(raw string) (string, error) {
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
			return "", fmt.Errorf("create lock dir: %w", err)
		}
		return trimmed, nil
	}
	if cacheDir, err := os.UserCacheDir(); err == nil && cacheDir != "" {
		dir := filepath.Join(cacheDir, "issue-index")
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return filepath.Join(dir, "writer.lock"), nil
		}
	}
	dir := filepath.Join(os.TempDir(), "issue-index")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot determine writable lock directory: %w", err)
	}
	return filepath.Join(dir, "writer.lock"), nil
}
