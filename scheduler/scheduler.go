// Package scheduler triggers automation cycles on a cron schedule and
// sweeps lapsed approvals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rustyeddy/lpkeeper/engine"
	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

// DefaultMaxParallel bounds how many policies run at once.
const DefaultMaxParallel = 4

// Runner runs one cycle for a policy.
type Runner interface {
	RunCycle(ctx context.Context, p *model.Policy) (*engine.CycleResult, error)
}

// Sweeper expires lapsed approvals.
type Sweeper interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Scheduler runs every active policy on each tick. A policy never has two
// cycles in flight: a trigger that arrives while one is running shares
// its result instead of starting another.
type Scheduler struct {
	Cron        *cron.Cron
	store       journal.Store
	runner      Runner
	sweeper     Sweeper
	maxParallel int
	flight      singleflight.Group
	ctx         context.Context
	log         *slog.Logger
}

func New(ctx context.Context, store journal.Store, runner Runner, sweeper Sweeper, maxParallel int, logger *slog.Logger) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		Cron:        cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		store:       store,
		runner:      runner,
		sweeper:     sweeper,
		maxParallel: maxParallel,
		ctx:         ctx,
		log:         logger,
	}
}

// Register adds the cycle and sweep jobs. An empty sweepSpec leaves expiry
// to lazy reads.
func (s *Scheduler) Register(cycleSpec, sweepSpec string) error {
	if _, err := s.Cron.AddFunc(cycleSpec, s.tick); err != nil {
		return fmt.Errorf("register cycle job: %w", err)
	}
	if sweepSpec == "" || s.sweeper == nil {
		return nil
	}
	if _, err := s.Cron.AddFunc(sweepSpec, s.sweep); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.Cron.Entries()))
}

// Stop stops the cron and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	if _, err := s.RunNow(s.ctx); err != nil {
		s.log.Error("scheduled run failed", "err", err)
	}
}

func (s *Scheduler) sweep() {
	n, err := s.sweeper.ExpireStale(s.ctx)
	if err != nil {
		s.log.Error("approval sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("approvals expired", "count", n)
	}
}

// RunNow runs one cycle for every active policy, at most maxParallel at a
// time, and returns the results by policy id. Cycle failures are in the
// results; the error is for failing to list policies.
func (s *Scheduler) RunNow(ctx context.Context) (map[string]*engine.CycleResult, error) {
	policies, err := s.store.ListPolicies(ctx, true)
	if err != nil {
		return nil, model.Persist("list policies", err)
	}

	var (
		mu  sync.Mutex
		out = make(map[string]*engine.CycleResult, len(policies))
		g   errgroup.Group
	)
	g.SetLimit(s.maxParallel)
	for i := range policies {
		p := &policies[i]
		g.Go(func() error {
			res, err := s.RunPolicy(ctx, p)
			if err != nil && res == nil {
				res = &engine.CycleResult{Errors: []string{err.Error()}}
			}
			mu.Lock()
			out[p.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// RunPolicy runs one cycle for p, joining a cycle already in flight for
// the same policy.
func (s *Scheduler) RunPolicy(ctx context.Context, p *model.Policy) (*engine.CycleResult, error) {
	v, err, shared := s.flight.Do(p.ID, func() (any, error) {
		return s.runner.RunCycle(ctx, p)
	})
	if shared {
		s.log.Debug("joined running cycle", "policy", p.ID)
	}
	res, _ := v.(*engine.CycleResult)
	return res, err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
