package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "issue-index"

func New(environment, level string) (zerolog.Logger, error) {
	return NewWithWriter(environment, level, os.Stdout)
}

// NewWithWriter builds the service logger on top of out. Local environments
// get the human-readable console format.
func NewWithWriter(environment, level string, out io.Writer) (zerolog.Logger, error) {
	parsedLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse LOG_LEVEL=%q: %w", level, err)
	}
	if out == nil {
		out = os.Stdout
	}

	writer := out
	if strings.EqualFold(strings.TrimSpace(environment), "local") {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(writer).
		Level(parsedLevel).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	return logger, nil
}

// ForJob scopes a logger to one job category and bucket.
func ForJob(logger zerolog.Logger, jobCategory string, bucket time.Time) zerolog.Logger {
	return logger.With().
		Str("job_category", jobCategory).
		Time("time_bucket", bucket.UTC()).
		Logger()
}
