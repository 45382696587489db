// Package scheduler triggers periodic syncs.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Job is one sync round.
type Job func(ctx context.Context) error

type Scheduler struct {
	s   *gocron.Scheduler
	job Job
	log *zap.Logger
	ctx context.Context
}

// New runs job every interval. Rounds never overlap: a tick that arrives
// while a round is running is skipped.
func New(ctx context.Context, interval time.Duration, job Job, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sch := &Scheduler{s: gocron.NewScheduler(time.UTC), job: job, log: log, ctx: ctx}
	sch.s.SingletonModeAll()
	if _, err := sch.s.Every(interval).Do(sch.tick); err != nil {
		return nil, err
	}
	return sch, nil
}

// Start begins running in the background; the first round runs immediately.
func (s *Scheduler) Start() {
	s.s.StartAsync()
}

func (s *Scheduler) Stop() {
	s.s.Stop()
}

// RunNow triggers an extra round, e.g. when connectivity comes back.
func (s *Scheduler) RunNow() {
	s.s.RunAll()
}

func (s *Scheduler) tick() {
	if s.ctx.Err() != nil {
		return
	}
	started := time.Now()
	if err := s.job(s.ctx); err != nil {
		s.log.Warn("scheduled sync failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return
	}
	s.log.Debug("scheduled sync done", zap.Duration("elapsed", time.Since(started)))
}
