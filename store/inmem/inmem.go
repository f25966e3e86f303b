// Package inmem provides an in-memory implementation of the store surface for
// tests and local tooling. It mirrors the Mongo client's semantics, including
// the one-running-execution-per-scout claim and post-run counter updates.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/scout/scout"
	storemongo "goa.design/scout/store/mongo"
)

// Store holds all pipeline state in memory. Safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	scouts      map[string]scout.Scout
	executions  map[string]scout.Execution
	steps       map[string][]scout.Step
	credentials map[string]scout.CredentialRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		scouts:      make(map[string]scout.Scout),
		executions:  make(map[string]scout.Execution),
		steps:       make(map[string][]scout.Step),
		credentials: make(map[string]scout.CredentialRecord),
	}
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "scout-inmem" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return nil }

// PutScout inserts or replaces a scout.
func (s *Store) PutScout(sc scout.Scout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scouts[sc.ID] = sc
}

// PutCredential inserts or replaces a credential record.
func (s *Store) PutCredential(rec scout.CredentialRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[rec.UserID] = rec
}

// Scout loads one scout by id.
func (s *Store) Scout(ctx context.Context, id string) (scout.Scout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scouts[id]
	if !ok {
		return scout.Scout{}, storemongo.ErrNotFound
	}
	return sc, nil
}

// ListDueScouts returns active, complete scouts due at the given instant.
func (s *Store) ListDueScouts(ctx context.Context, now time.Time, cap int) ([]scout.Scout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []scout.Scout
	for _, sc := range s.scouts {
		if !sc.Due(now) {
			continue
		}
		due = append(due, sc)
		if cap > 0 && len(due) >= cap {
			break
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// UpdateScoutPostRun applies the run outcome to the scout's counters.
func (s *Store) UpdateScoutPostRun(ctx context.Context, scoutID string, outcome scout.RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scouts[scoutID]
	if !ok {
		return storemongo.ErrNotFound
	}
	t := outcome.LastRunAt
	sc.LastRunAt = &t
	if outcome.Failed {
		sc.ConsecutiveFailures++
		if sc.ConsecutiveFailures >= scout.MaxConsecutiveFailures {
			sc.IsActive = false
		}
	} else {
		sc.ConsecutiveFailures = 0
	}
	sc.UpdatedAt = time.Now().UTC()
	s.scouts[scoutID] = sc
	return nil
}

// DisableAllUserScouts deactivates every scout owned by the user.
func (s *Store) DisableAllUserScouts(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sc := range s.scouts {
		if sc.UserID == userID && sc.IsActive {
			sc.IsActive = false
			s.scouts[id] = sc
			n++
		}
	}
	return n, nil
}

// ClaimRunning creates a running execution unless one already exists.
func (s *Store) ClaimRunning(ctx context.Context, scoutID string) (scout.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.ScoutID == scoutID && e.Status == scout.ExecutionRunning {
			return scout.Execution{}, &storemongo.ErrAlreadyRunning{ExecutionID: e.ID}
		}
	}
	exec := scout.Execution{
		ID:        uuid.NewString(),
		ScoutID:   scoutID,
		Status:    scout.ExecutionRunning,
		CreatedAt: time.Now().UTC(),
	}
	s.executions[exec.ID] = exec
	return exec, nil
}

// FinishExecution transitions a running execution to its terminal state.
func (s *Store) FinishExecution(ctx context.Context, executionID string, final scout.ExecutionFinal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok || e.Status != scout.ExecutionRunning {
		return storemongo.ErrNotFound
	}
	e.Status = final.Status
	completedAt := final.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	e.CompletedAt = &completedAt
	e.Results = final.Results
	e.SummaryText = final.SummaryText
	e.SummaryEmbedding = final.SummaryEmbedding
	e.ErrorMessage = final.ErrorMessage
	s.executions[executionID] = e
	return nil
}

// Execution returns a stored execution by id (test helper).
func (s *Store) Execution(id string) (scout.Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	return e, ok
}

// Executions returns all executions for a scout, oldest first (test helper).
func (s *Store) Executions(scoutID string) []scout.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scout.Execution
	for _, e := range s.executions {
		if e.ScoutID == scoutID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AppendStep records a step for an execution.
func (s *Store) AppendStep(ctx context.Context, step scout.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if step.Status == "" {
		step.Status = scout.StepRunning
	}
	s.steps[step.ExecutionID] = append(s.steps[step.ExecutionID], step)
	return nil
}

// UpdateStep finalizes a previously appended step.
func (s *Store) UpdateStep(ctx context.Context, executionID string, number int, update scout.StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[executionID]
	for i := range steps {
		if steps[i].Number == number {
			steps[i].Status = update.Status
			if update.Output != nil {
				steps[i].Output = update.Output
			}
			steps[i].Error = update.Error
			return nil
		}
	}
	return storemongo.ErrNotFound
}

// Steps returns the recorded steps of an execution in append order (test helper).
func (s *Store) Steps(executionID string) []scout.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scout.Step, len(s.steps[executionID]))
	copy(out, s.steps[executionID])
	return out
}

// ListRecentFindings returns recent successful executions carrying a valid
// embedding, newest first.
func (s *Store) ListRecentFindings(ctx context.Context, scoutID string, limit int) ([]scout.RecentFinding, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var findings []scout.RecentFinding
	for _, e := range s.executions {
		if e.ScoutID != scoutID || e.Status != scout.ExecutionCompleted {
			continue
		}
		if len(e.SummaryEmbedding) != scout.EmbeddingDim || e.CompletedAt == nil {
			continue
		}
		summary := ""
		if e.SummaryText != nil {
			summary = *e.SummaryText
		}
		findings = append(findings, scout.RecentFinding{
			ExecutionID: e.ID,
			Summary:     summary,
			Embedding:   e.SummaryEmbedding,
			CompletedAt: *e.CompletedAt,
		})
	}
	sort.Slice(findings, func(i, j int) bool {
		return findings[i].CompletedAt.After(findings[j].CompletedAt)
	})
	if len(findings) > limit {
		findings = findings[:limit]
	}
	return findings, nil
}

// ReapStaleRunning fails running executions older than the threshold.
func (s *Store) ReapStaleRunning(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-olderThan)
	var n int64
	for id, e := range s.executions {
		if e.Status != scout.ExecutionRunning || !e.CreatedAt.Before(cutoff) {
			continue
		}
		e.Status = scout.ExecutionFailed
		e.ErrorMessage = "stale"
		t := now.UTC()
		e.CompletedAt = &t
		s.executions[id] = e
		n++
	}
	return n, nil
}

// Credential loads the user's credential record.
func (s *Store) Credential(ctx context.Context, userID string) (scout.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.credentials[userID]
	if !ok {
		return scout.CredentialRecord{}, storemongo.ErrNotFound
	}
	return rec, nil
}

// MarkCredentialInvalid flags the user's key as rejected by the provider.
func (s *Store) MarkCredentialInvalid(ctx context.Context, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.credentials[userID]
	if !ok {
		return storemongo.ErrNotFound
	}
	rec.Status = scout.CredentialInvalid
	rec.InvalidReason = reason
	rec.UpdatedAt = time.Now().UTC()
	s.credentials[userID] = rec
	return nil
}
