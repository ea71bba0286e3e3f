// Package orchestrator runs ingestion jobs with period guards, per-family
// mutual exclusion, bounded exponential retry and a dead-letter path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/market"
	"github.com/JakeFAU/equity-ingest/internal/metrics"
)

// ErrRetriesExhausted is returned when a job fails on every allowed attempt.
var ErrRetriesExhausted = errors.New("orchestrator: retries exhausted")

// ErrUnknownJob is returned by RunByName for unregistered jobs.
var ErrUnknownJob = errors.New("orchestrator: unknown job")

// Period is the cycle a guarded job runs at most once in.
type Period int

const (
	// PeriodNone disables the guard.
	PeriodNone Period = iota
	// PeriodDaily allows one success per calendar day.
	PeriodDaily
	// PeriodWeekly allows one success per ISO week.
	PeriodWeekly
)

func (p Period) String() string {
	switch p {
	case PeriodDaily:
		return "daily"
	case PeriodWeekly:
		return "weekly"
	default:
		return "none"
	}
}

// Job is one orchestrated unit of work. Jobs sharing a Family never run concurrently.
type Job struct {
	Name   market.JobName
	Family string
	Period Period
	Run    func(ctx context.Context) error
}

// Outcome is the terminal state of one Run call.
type Outcome string

// Run outcomes.
const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Result describes a finished Run call.
type Result struct {
	RunID    string
	Job      market.JobName
	Outcome  Outcome
	Attempts int
}

// RunEvent is published after every recorded run.
type RunEvent struct {
	Run        market.RunRecord `json:"run"`
	DeadLetter bool             `json:"dead_letter"`
}

// Config controls retry and publishing.
type Config struct {
	// MaxAttempts bounds attempts per run; zero retries until success.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Location decides calendar days and weeks for the period guard.
	Location        *time.Location
	EventsTopic     string
	DeadLetterTopic string
}

// DefaultConfig retries every 10s until the job succeeds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     0,
		InitialInterval: 10 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      1,
		Location:        time.UTC,
	}
}

// Orchestrator runs registered jobs.
type Orchestrator struct {
	runs      market.RunStore
	publisher market.Publisher
	clock     market.Clock
	ids       market.IDGenerator
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer

	// newBackOff builds the base policy; tests swap it for an instant one.
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	jobs   map[market.JobName]Job
	family map[string]chan struct{}
}

// New builds an Orchestrator. publisher may be nil.
func New(
	runs market.RunStore,
	publisher market.Publisher,
	clock market.Clock,
	ids market.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		runs:      runs,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		tracer:    otel.Tracer("equity-ingest/orchestrator"),
		jobs:      make(map[market.JobName]Job),
		family:    make(map[string]chan struct{}),
	}
	o.newBackOff = o.exponential
	return o
}

func (o *Orchestrator) exponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialInterval
	b.MaxInterval = o.cfg.MaxInterval
	b.Multiplier = o.cfg.Multiplier
	b.MaxElapsedTime = 0
	if o.cfg.Multiplier == 1 {
		b.RandomizationFactor = 0
	}
	return b
}

// Register adds a job that can later be started by name.
func (o *Orchestrator) Register(job Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs[job.Name] = job
}

// Lookup returns a registered job.
func (o *Orchestrator) Lookup(name market.JobName) (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[name]
	return job, ok
}

// RunByName runs a registered job.
func (o *Orchestrator) RunByName(ctx context.Context, name market.JobName) (Result, error) {
	job, ok := o.Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return o.Run(ctx, job)
}

// LastRun exposes the run store for operators.
func (o *Orchestrator) LastRun(ctx context.Context, name market.JobName) (market.RunRecord, error) {
	return o.runs.LastRun(ctx, name)
}

// Run executes job once through the guard, lock and retry policy.
func (o *Orchestrator) Run(ctx context.Context, job Job) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("job.name", string(job.Name)),
		attribute.String("job.family", job.Family),
	))
	defer span.End()

	log := o.logger.With(zap.String("job", string(job.Name)))
	result := Result{Job: job.Name}

	done, err := o.doneThisPeriod(ctx, job)
	if err != nil {
		return result, err
	}
	if done {
		log.Info("job already succeeded this period, skipping", zap.Stringer("period", job.Period))
		metrics.ObserveJobRun(string(job.Name), string(OutcomeSkipped), 0)
		result.Outcome = OutcomeSkipped
		return result, nil
	}

	release, err := o.acquire(ctx, job.Family)
	if err != nil {
		return result, fmt.Errorf("acquire %s lock: %w", job.Family, err)
	}
	defer release()

	// Another member of the family may have finished while we waited.
	if done, err = o.doneThisPeriod(ctx, job); err != nil {
		return result, err
	} else if done {
		log.Info("job completed while waiting for lock, skipping")
		metrics.ObserveJobRun(string(job.Name), string(OutcomeSkipped), 0)
		result.Outcome = OutcomeSkipped
		return result, nil
	}

	runID, err := o.ids.NewID()
	if err != nil {
		return result, fmt.Errorf("generate run id: %w", err)
	}
	result.RunID = runID
	record := market.RunRecord{
		ID:        runID,
		Job:       job.Name,
		Status:    market.RunStatusRunning,
		StartedAt: o.clock.Now(),
	}
	if err := o.runs.RecordRun(ctx, record); err != nil {
		return result, fmt.Errorf("record run start: %w", err)
	}
	log = log.With(zap.String("run_id", runID))
	log.Info("job started")

	op := func() error {
		result.Attempts++
		metrics.ObserveJobAttempt(string(job.Name))
		err := job.Run(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("job attempt failed, retrying",
			zap.Int("attempt", result.Attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}
	runErr := backoff.RetryNotify(op, o.policy(ctx), notify)

	record.FinishedAt = o.clock.Now()
	record.Attempts = result.Attempts
	record.Status = market.RunStatusSucceeded
	if runErr != nil {
		record.Status = market.RunStatusFailed
		record.Error = runErr.Error()
	}
	// Record the outcome even when the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	if err := o.runs.RecordRun(persistCtx, record); err != nil {
		log.Error("failed to record run outcome", zap.Error(err))
	}
	metrics.ObserveJobRun(string(job.Name), string(record.Status), record.FinishedAt.Sub(record.StartedAt))

	if runErr == nil {
		log.Info("job succeeded", zap.Int("attempts", result.Attempts))
		o.publish(persistCtx, o.cfg.EventsTopic, RunEvent{Run: record})
		result.Outcome = OutcomeSucceeded
		return result, nil
	}

	result.Outcome = OutcomeFailed
	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn("job interrupted", zap.Int("attempts", result.Attempts), zap.Error(runErr))
		return result, fmt.Errorf("job %s interrupted: %w", job.Name, ctxErr)
	}
	log.Error("job failed, sending to dead letter", zap.Int("attempts", result.Attempts), zap.Error(runErr))
	o.publish(persistCtx, o.cfg.DeadLetterTopic, RunEvent{Run: record, DeadLetter: true})
	return result, fmt.Errorf("%w: job %s after %d attempts: %w", ErrRetriesExhausted, job.Name, result.Attempts, runErr)
}

func (o *Orchestrator) policy(ctx context.Context) backoff.BackOff {
	b := o.newBackOff()
	if o.cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(o.cfg.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

func (o *Orchestrator) doneThisPeriod(ctx context.Context, job Job) (bool, error) {
	if job.Period == PeriodNone {
		return false, nil
	}
	last, ok, err := o.runs.LastSuccess(ctx, job.Name)
	if err != nil {
		return false, fmt.Errorf("load last success for %s: %w", job.Name, err)
	}
	if !ok {
		return false, nil
	}
	return SamePeriod(job.Period, last, o.clock.Now(), o.cfg.Location), nil
}

// SamePeriod reports whether a and b fall in the same day or ISO week in loc.
func SamePeriod(p Period, a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	switch p {
	case PeriodDaily:
		ay, am, ad := a.Date()
		by, bm, bd := b.Date()
		return ay == by && am == bm && ad == bd
	case PeriodWeekly:
		ay, aw := a.ISOWeek()
		by, bw := b.ISOWeek()
		return ay == by && aw == bw
	default:
		return false
	}
}

func (o *Orchestrator) acquire(ctx context.Context, family string) (func(), error) {
	o.mu.Lock()
	lock, ok := o.family[family]
	if !ok {
		lock = make(chan struct{}, 1)
		o.family[family] = lock
	}
	o.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) publish(ctx context.Context, topic string, event RunEvent) {
	if o.publisher == nil || topic == "" {
		return
	}
	id, err := o.publisher.Publish(ctx, topic, event)
	if err != nil {
		o.logger.Error("failed to publish run event",
			zap.String("topic", topic),
			zap.String("run_id", event.Run.ID),
			zap.Error(err),
		)
		return
	}
	o.logger.Debug("run event published", zap.String("topic", topic), zap.String("message_id", id))
}
