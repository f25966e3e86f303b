package inmem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/scout/scout"
	storemongo "goa.design/scout/store/mongo"
)

func seed(s *Store, id string) {
	s.PutScout(scout.Scout{
		ID: id, UserID: "u1", Title: "t", Goal: "g",
		Queries: []string{"q"}, Frequency: scout.FrequencyDaily, IsActive: true,
	})
}

func TestClaimRunningSerializes(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(s, "s1")

	first, err := s.ClaimRunning(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, scout.ExecutionRunning, first.Status)

	_, err = s.ClaimRunning(ctx, "s1")
	var already *storemongo.ErrAlreadyRunning
	require.ErrorAs(t, err, &already)
	assert.Equal(t, first.ID, already.ExecutionID)

	// Finishing frees the slot.
	require.NoError(t, s.FinishExecution(ctx, first.ID, scout.ExecutionFinal{
		Status: scout.ExecutionFailed, ErrorMessage: "x", CompletedAt: time.Now(),
	}))
	_, err = s.ClaimRunning(ctx, "s1")
	assert.NoError(t, err)
}

func TestClaimRunningConcurrent(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(s, "s1")

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimRunning(ctx, "s1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestFinishExecutionGuards(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(s, "s1")
	exec, err := s.ClaimRunning(ctx, "s1")
	require.NoError(t, err)

	final := scout.ExecutionFinal{Status: scout.ExecutionCompleted, CompletedAt: time.Now()}
	require.NoError(t, s.FinishExecution(ctx, exec.ID, final))

	// A second transition is rejected.
	assert.ErrorIs(t, s.FinishExecution(ctx, exec.ID, final), storemongo.ErrNotFound)
	assert.ErrorIs(t, s.FinishExecution(ctx, "missing", final), storemongo.ErrNotFound)
}

func TestUpdateScoutPostRun(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(s, "s1")
	now := time.Now().UTC()

	for i := 1; i < scout.MaxConsecutiveFailures; i++ {
		require.NoError(t, s.UpdateScoutPostRun(ctx, "s1", scout.RunOutcome{LastRunAt: now, Failed: true}))
		sc, err := s.Scout(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, i, sc.ConsecutiveFailures)
		assert.True(t, sc.IsActive)
	}

	// A success resets the counter.
	require.NoError(t, s.UpdateScoutPostRun(ctx, "s1", scout.RunOutcome{LastRunAt: now}))
	sc, err := s.Scout(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, sc.ConsecutiveFailures)
	require.NotNil(t, sc.LastRunAt)

	// Three straight failures deactivate.
	for i := 0; i < scout.MaxConsecutiveFailures; i++ {
		require.NoError(t, s.UpdateScoutPostRun(ctx, "s1", scout.RunOutcome{LastRunAt: now, Failed: true}))
	}
	sc, err = s.Scout(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, sc.IsActive)
}

func TestListRecentFindings(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(s, "s1")

	embed := func(x float32) []float32 {
		v := make([]float32, scout.EmbeddingDim)
		v[0] = x
		return v
	}
	finish := func(summary string, vec []float32, at time.Time) {
		exec, err := s.ClaimRunning(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, s.FinishExecution(ctx, exec.ID, scout.ExecutionFinal{
			Status:           scout.ExecutionCompleted,
			SummaryText:      &summary,
			SummaryEmbedding: vec,
			CompletedAt:      at,
		}))
	}

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	finish("oldest", embed(1), base)
	finish("middle", embed(2), base.Add(time.Hour))
	finish("newest", embed(3), base.Add(2*time.Hour))

	// A run without an embedding does not participate.
	exec, err := s.ClaimRunning(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s.FinishExecution(ctx, exec.ID, scout.ExecutionFinal{
		Status:      scout.ExecutionCompleted,
		CompletedAt: base.Add(3 * time.Hour),
	}))

	findings, err := s.ListRecentFindings(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "newest", findings[0].Summary)
	assert.Equal(t, "middle", findings[1].Summary)
}

func TestReapStaleRunning(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(s, "s1")

	stale, err := s.ClaimRunning(ctx, "s1")
	require.NoError(t, err)

	// Nothing is old enough yet.
	n, err := s.ReapStaleRunning(ctx, time.Now().UTC(), 20*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Thirty minutes later the run is reclaimed.
	n, err = s.ReapStaleRunning(ctx, time.Now().UTC().Add(30*time.Minute), 20*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := s.Execution(stale.ID)
	assert.Equal(t, scout.ExecutionFailed, got.Status)
	assert.Equal(t, "stale", got.ErrorMessage)
}

func TestStepLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(s, "s1")
	exec, err := s.ClaimRunning(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, s.AppendStep(ctx, scout.Step{
		ExecutionID: exec.ID, Number: 1, Type: scout.StepSearch, Status: scout.StepRunning,
	}))
	require.NoError(t, s.UpdateStep(ctx, exec.ID, 1, scout.StepUpdate{
		Status: scout.StepCompleted, Output: map[string]any{"results": 3},
	}))
	assert.ErrorIs(t, s.UpdateStep(ctx, exec.ID, 9, scout.StepUpdate{Status: scout.StepFailed}),
		storemongo.ErrNotFound)

	steps := s.Steps(exec.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, scout.StepCompleted, steps[0].Status)
}
