package scheduler

import (
	"context"
	"fmt"
	"time"

	"contact-aggregator/internal/logger"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper aggregates raw contacts that are still flagged as needing it.
type Sweeper interface {
	AggregatePending(ctx context.Context, batchSize int) (int, error)
}

type Scheduler struct {
	cron      *cron.Cron
	sweeper   Sweeper
	spec      string
	batchSize int
	timeout   time.Duration
}

// NewScheduler creates a scheduler that runs the aggregation sweep on spec.
// An empty spec disables the sweep.
func NewScheduler(sweeper Sweeper, spec string, batchSize int) *Scheduler {
	cl := cronLogger{log: logger.Component("cron")}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	return &Scheduler{
		cron:      c,
		sweeper:   sweeper,
		spec:      spec,
		batchSize: batchSize,
		timeout:   5 * time.Minute,
	}
}

func (s *Scheduler) Start() error {
	if s.spec == "" {
		logger.Info().Msg("Aggregation sweep disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.spec, s.sweep); err != nil {
		return fmt.Errorf("schedule aggregation sweep %q: %w", s.spec, err)
	}

	s.cron.Start()
	logger.Info().Str("spec", s.spec).Int("batch_size", s.batchSize).Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Info().Msg("Scheduler stopped")
}

// RunSweepNow runs one sweep synchronously.
func (s *Scheduler) RunSweepNow(ctx context.Context) (int, error) {
	return s.sweeper.AggregatePending(ctx, s.batchSize)
}

// GetScheduledJobs returns information about scheduled jobs
func (s *Scheduler) GetScheduledJobs() []cron.Entry {
	return s.cron.Entries()
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.RunSweepNow(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Aggregation sweep failed")
		return
	}
	if n > 0 {
		logger.Info().Int("aggregated", n).Dur("took", time.Since(start)).Msg("Aggregation sweep finished")
	}
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
