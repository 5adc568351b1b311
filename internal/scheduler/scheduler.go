// Package scheduler runs the queue sweeper on cron schedules.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Default schedules.
const (
	DefaultSweepSchedule    = "@every 15s"
	DefaultRecoverySchedule = "@every 1m"
)

// Queue is the dispatcher surface the sweeper drives.
type Queue interface {
	Drain(ctx context.Context) (int, error)
	RecoverStuck(ctx context.Context) (int, error)
}

// Sweeper drains due wallets and recovers stuck claims in the background.
type Sweeper struct {
	cron     *cron.Cron
	queue    Queue
	log      *zap.Logger
	sweep    string
	recovery string
	ctx      context.Context
}

// New constructs a Sweeper. Empty schedules fall back to the defaults.
func New(queue Queue, log *zap.Logger, sweep, recovery string) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if sweep == "" {
		sweep = DefaultSweepSchedule
	}
	if recovery == "" {
		recovery = DefaultRecoverySchedule
	}
	cl := cronLogger{log.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	return &Sweeper{cron: c, queue: queue, log: log, sweep: sweep, recovery: recovery, ctx: context.Background()}
}

// Start registers both jobs and starts the scheduler. Jobs stop working once ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(s.sweep, s.drain); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.sweep, err)
	}
	if _, err := s.cron.AddFunc(s.recovery, s.recoverStuck); err != nil {
		return fmt.Errorf("recovery schedule %q: %w", s.recovery, err)
	}
	s.log.Info("sweeper scheduled", zap.String("sweep", s.sweep), zap.String("recovery", s.recovery))
	s.cron.Start()
	return nil
}

// Stop stops scheduling; the returned context is done when running jobs finish.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce recovers stuck claims and then drains, synchronously.
func (s *Sweeper) RunOnce(ctx context.Context) (recovered, dispatched int, err error) {
	recovered, err = s.queue.RecoverStuck(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("recover stuck: %w", err)
	}
	dispatched, err = s.queue.Drain(ctx)
	if err != nil {
		return recovered, dispatched, fmt.Errorf("drain: %w", err)
	}
	return recovered, dispatched, nil
}

func (s *Sweeper) drain() {
	if s.ctx.Err() != nil {
		return
	}
	n, err := s.queue.Drain(s.ctx)
	if err != nil {
		s.log.Error("drain", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("drain", zap.Int("dispatched", n))
	}
}

func (s *Sweeper) recoverStuck() {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.queue.RecoverStuck(s.ctx); err != nil {
		s.log.Error("recover stuck", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
