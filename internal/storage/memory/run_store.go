package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/equity-ingest/internal/market"
)

// RunStore keeps run records for the process lifetime.
type RunStore struct {
	mu   sync.RWMutex
	runs map[market.JobName][]market.RunRecord
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[market.JobName][]market.RunRecord)}
}

// RecordRun inserts the run or replaces an earlier record with the same ID.
func (s *RunStore) RecordRun(_ context.Context, run market.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[run.Job]
	for i := range runs {
		if runs[i].ID == run.ID {
			runs[i] = run
			return nil
		}
	}
	s.runs[run.Job] = append(runs, run)
	return nil
}

// LastSuccess reports the latest finish time among succeeded runs of job.
func (s *RunStore) LastSuccess(_ context.Context, job market.JobName) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest time.Time
		found  bool
	)
	for _, r := range s.runs[job] {
		if r.Status == market.RunStatusSucceeded && (!found || r.FinishedAt.After(latest)) {
			latest, found = r.FinishedAt, true
		}
	}
	return latest, found, nil
}

// LastRun returns the most recently started run of job.
func (s *RunStore) LastRun(_ context.Context, job market.JobName) (market.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[job]
	if len(runs) == 0 {
		return market.RunRecord{}, fmt.Errorf("runs for %s: %w", job, market.ErrNotFound)
	}
	last := runs[0]
	for _, r := range runs[1:] {
		if !r.StartedAt.Before(last.StartedAt) {
			last = r
		}
	}
	return last, nil
}
