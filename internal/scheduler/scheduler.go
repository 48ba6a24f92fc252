package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"horse.fit/issue-index/internal/timebucket"
)

// Job computes one bucket.
type Job func(ctx context.Context, bucket time.Time) error

type Options struct {
	// Spec is a standard five-field cron expression.
	Spec       string
	Location   *time.Location
	RunOnStart bool
}

// Scheduler triggers Job on a cron schedule. A tick that fires while the
// previous one is still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	job    Job
	logger zerolog.Logger
	opts   Options

	mu      sync.Mutex
	running bool
	ctx     context.Context
}

func New(job Job, logger zerolog.Logger, opts Options) (*Scheduler, error) {
	if job == nil {
		return nil, fmt.Errorf("scheduler job is required")
	}
	opts.Spec = strings.TrimSpace(opts.Spec)
	if opts.Spec == "" {
		return nil, fmt.Errorf("cron spec is required")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if _, err := cron.ParseStandard(opts.Spec); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", opts.Spec, err)
	}

	s := &Scheduler{
		job:    job,
		logger: logger,
		opts:   opts,
		ctx:    context.Background(),
	}
	s.cron = cron.New(
		cron.WithLocation(opts.Location),
		cron.WithChain(cron.Recover(cronLogger{logger: logger})),
	)
	if _, err := s.cron.AddFunc(opts.Spec, func() {
		_, _ = s.Tick(s.currentContext())
	}); err != nil {
		return nil, fmt.Errorf("add cron job: %w", err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for
// in-flight ticks, including the start-up tick, to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info().
		Str("spec", s.opts.Spec).
		Str("timezone", s.opts.Location.String()).
		Msg("scheduler started")

	var startup sync.WaitGroup
	if s.opts.RunOnStart {
		startup.Add(1)
		go func() {
			defer startup.Done()
			_, _ = s.Tick(ctx)
		}()
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	startup.Wait()

	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Tick runs the job for the current bucket unless a run is in progress.
// It reports whether the job ran.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("previous run still in progress, skipping tick")
		return false, nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	bucket := timebucket.Current()
	started := timebucket.Now()
	if err := s.job(ctx, bucket); err != nil {
		s.logger.Error().
			Err(err).
			Time("time_bucket", bucket).
			Dur("elapsed", timebucket.Now().Sub(started)).
			Msg("scheduled run failed")
		return true, err
	}

	s.logger.Info().
		Time("time_bucket", bucket).
		Dur("elapsed", timebucket.Now().Sub(started)).
		Msg("scheduled run completed")
	return true, nil
}

func (s *Scheduler) currentContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
