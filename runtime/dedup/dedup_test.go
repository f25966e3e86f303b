package dedup

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/scout/scout"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Zero(t, Cosine(nil, nil))
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	detector := New(0.85)
	when := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	recent := []scout.RecentFinding{
		{ExecutionID: "far", Summary: "unrelated", Embedding: []float32{0, 1, 0}, CompletedAt: when},
		{ExecutionID: "close", Summary: "almost the same", Embedding: []float32{1, 0.1, 0}, CompletedAt: when},
		{ExecutionID: "exact", Summary: "the same", Embedding: []float32{1, 0, 0}, CompletedAt: when},
	}

	t.Run("returns best match above threshold", func(t *testing.T) {
		match := detector.Evaluate(ctx, []float32{1, 0, 0}, recent)
		require.NotNil(t, match)
		assert.Equal(t, "exact", match.ExecutionID)
		assert.InDelta(t, 1.0, match.Similarity, 1e-9)
	})

	t.Run("nil when below threshold", func(t *testing.T) {
		assert.Nil(t, detector.Evaluate(ctx, []float32{0, 0, 1}, recent))
	})

	t.Run("nil embedding is never a duplicate", func(t *testing.T) {
		assert.Nil(t, detector.Evaluate(ctx, nil, recent))
	})

	t.Run("mismatched dimensions are skipped", func(t *testing.T) {
		bad := []scout.RecentFinding{{ExecutionID: "bad", Embedding: []float32{1, 0}, CompletedAt: when}}
		assert.Nil(t, detector.Evaluate(ctx, []float32{1, 0, 0}, bad))
	})
}

func TestAnnotation(t *testing.T) {
	match := &Match{
		Summary:     "Widget v2 launched at $99",
		CompletedAt: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		Similarity:  0.912,
	}
	note := match.Annotation()
	assert.Contains(t, note, "Jan 15, 2026")
	assert.Contains(t, note, `"Widget v2 launched at $99"`)
	assert.Contains(t, note, "91%")
}

func TestCosineProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	vec := gen.SliceOfN(8, gen.Float32Range(-10, 10))

	properties.Property("symmetric", prop.ForAll(
		func(a, b []float32) bool {
			return math.Abs(Cosine(a, b)-Cosine(b, a)) < 1e-9
		}, vec, vec))

	properties.Property("bounded in [-1, 1]", prop.ForAll(
		func(a, b []float32) bool {
			sim := Cosine(a, b)
			return sim >= -1-1e-9 && sim <= 1+1e-9
		}, vec, vec))

	properties.Property("self similarity is 1 for nonzero vectors", prop.ForAll(
		func(a []float32) bool {
			var norm float64
			for _, v := range a {
				norm += float64(v) * float64(v)
			}
			if norm == 0 {
				return Cosine(a, a) == 0
			}
			return math.Abs(Cosine(a, a)-1) < 1e-6
		}, vec))

	properties.Property("scale invariant", prop.ForAll(
		func(a, b []float32, k float32) bool {
			if k <= 0 {
				return true
			}
			scaled := make([]float32, len(a))
			for i, v := range a {
				scaled[i] = v * k
			}
			return math.Abs(Cosine(a, b)-Cosine(scaled, b)) < 1e-5
		}, vec, vec, gen.Float32Range(0.1, 10)))

	properties.TestingRun(t)
}
