package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/issue-index/internal/cli"
	"horse.fit/issue-index/internal/config"
	"horse.fit/issue-index/internal/db"
	"horse.fit/issue-index/internal/httpapi"
	"horse.fit/issue-index/internal/query"
	"horse.fit/issue-index/internal/reader"
	"horse.fit/issue-index/internal/vocabulary"
)

type serveFlags struct {
	host            *string
	port            *int
	readTimeout     *time.Duration
	writeTimeout    *time.Duration
	shutdownTimeout *time.Duration
}

func addServeFlags(fs *flag.FlagSet) serveFlags {
	return serveFlags{
		host:            fs.String("host", "0.0.0.0", "Host interface to bind"),
		port:            fs.Int("port", 8090, "HTTP port"),
		readTimeout:     fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout"),
		writeTimeout:    fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout"),
		shutdownTimeout: fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout"),
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	flags := addServeFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := validatePort(*flags.port, "--port"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, logger, ok := loadRuntime(envLoader)
	if !ok {
		return 1
	}

	vocab, err := loadVocabulary(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load vocabulary: %v\n", err)
		return 1
	}

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	pool, err := db.NewPool(dbCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	ctx, cancel := signalContext()
	defer cancel()

	srv := newAPIServer(cfg, pool, vocab, logger, flags)
	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Str("host", *flags.host).Int("port", *flags.port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}

func newAPIServer(
	cfg *config.Config,
	pool *db.Pool,
	vocab *vocabulary.Vocabulary,
	logger zerolog.Logger,
	flags serveFlags,
) *httpapi.Server {
	queries := query.NewService(pool, vocab, cfg.BucketLocation()).
		WithPreviewer(reader.NewFetcher(reader.FetchOptions{}))

	return httpapi.NewServer(queries, pool, logger, httpapi.Options{
		Host:               *flags.host,
		Port:               *flags.port,
		ReadTimeout:        *flags.readTimeout,
		WriteTimeout:       *flags.writeTimeout,
		ShutdownTimeout:    *flags.shutdownTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOriginsList(),
	})
}
