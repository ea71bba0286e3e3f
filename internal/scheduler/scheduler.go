// Package scheduler fires orchestrated jobs at wall-clock cron triggers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Trigger binds a cron spec (with seconds) to one entry point.
type Trigger struct {
	Name string
	Spec string
	Run  func(ctx context.Context)
}

// Scheduler wraps a cron runner whose entries share one base context.
type Scheduler struct {
	cron   *cron.Cron
	loc    *time.Location
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

// New builds a Scheduler evaluating specs in loc.
func New(loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter)),
		),
		loc:     loc,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Register adds a trigger. An empty spec disables it.
func (s *Scheduler) Register(t Trigger) error {
	if t.Spec == "" {
		s.logger.Info("trigger disabled", zap.String("trigger", t.Name))
		return nil
	}
	if t.Run == nil {
		return fmt.Errorf("trigger %s has no entry point", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[t.Name]; dup {
		return fmt.Errorf("trigger %s already registered", t.Name)
	}
	id, err := s.cron.AddFunc(t.Spec, func() {
		log := s.logger.With(zap.String("trigger", t.Name))
		log.Info("trigger fired")
		start := time.Now()
		t.Run(s.ctx)
		log.Info("trigger finished", zap.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("parse schedule for %s: %w", t.Name, err)
	}
	s.entries[t.Name] = id
	s.logger.Info("trigger registered", zap.String("trigger", t.Name), zap.String("spec", t.Spec))
	return nil
}

// Next reports the next activation of a registered trigger. Before Start it
// is computed from the schedule.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if entry.Next.IsZero() && entry.Schedule != nil {
		return entry.Schedule.Next(time.Now().In(s.loc)), true
	}
	return entry.Next, true
}

// Start begins firing triggers in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the shared context and waits for running triggers until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running triggers: %w", ctx.Err())
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
