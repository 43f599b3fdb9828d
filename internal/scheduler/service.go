package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Reconciler is the part of the queue engine the service drives.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (int, error)
}

// Service periodically re-derives recipient and campaign state from job outcomes.
// It runs once on Start and then on every cron tick.
type Service struct {
	rec   Reconciler
	spec  string
	sched cron.Schedule
	cron  *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(rec Reconciler, spec string) (*Service, error) {
	if spec == "" {
		spec = "@every 1m"
	}
	// standard five-field expressions and descriptors such as "@every 30s"
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", spec, err)
	}
	return &Service{
		rec:   rec,
		spec:  spec,
		sched: sched,
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.RunOnce()
	s.cron.Schedule(s.sched, cron.FuncJob(s.RunOnce))
	s.cron.Start()
	log.Info().Str("spec", s.spec).Time("next_run", s.NextRun(time.Now())).Msg("reconcile service started")
}

// Stop halts the schedule and waits for a running pass.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *Service) RunOnce() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	n, err := s.rec.ReconcileAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconcile campaigns")
		return
	}
	log.Debug().Int("repaired", n).Dur("took", time.Since(started)).Msg("campaigns reconciled")
}

// NextRun is the first scheduled pass after from.
func (s *Service) NextRun(from time.Time) time.Time {
	return s.sched.Next(from)
}
