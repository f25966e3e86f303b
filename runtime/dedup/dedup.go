// Package dedup decides whether a freshly generated finding duplicates a
// recent successful run of the same scout. The comparison is cosine similarity
// between summary embeddings; a match at or above the threshold annotates the
// run and suppresses the success notification.
package dedup

import (
	"context"
	"fmt"
	"math"
	"time"

	"goa.design/clue/log"

	"goa.design/scout/scout"
)

// DefaultThreshold is the cosine similarity at which a finding counts as a
// duplicate.
const DefaultThreshold = 0.85

// Match describes the closest recent finding when it crosses the threshold.
type Match struct {
	// ExecutionID identifies the duplicated prior execution.
	ExecutionID string
	// Summary is the prior finding's one-sentence summary.
	Summary string
	// CompletedAt is when the prior finding completed.
	CompletedAt time.Time
	// Similarity is the cosine similarity in [0, 1].
	Similarity float64
}

// Detector evaluates embeddings against recent findings.
type Detector struct {
	threshold float64
}

// New constructs a Detector. A non-positive threshold falls back to
// DefaultThreshold.
func New(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}
}

// Evaluate compares the new embedding against the recent findings and returns
// the best match at or above the threshold, or nil when the finding is novel.
// Findings whose embedding dimension does not match are skipped and logged,
// not treated as zero-similarity.
func (d *Detector) Evaluate(ctx context.Context, embedding []float32, recent []scout.RecentFinding) *Match {
	if len(embedding) == 0 {
		return nil
	}
	var best *Match
	for _, finding := range recent {
		if len(finding.Embedding) != len(embedding) {
			log.Info(ctx, log.KV{K: "msg", V: "skipping finding with mismatched embedding"},
				log.KV{K: "execution_id", V: finding.ExecutionID},
				log.KV{K: "dims", V: len(finding.Embedding)})
			continue
		}
		sim := Cosine(embedding, finding.Embedding)
		if sim < d.threshold {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &Match{
				ExecutionID: finding.ExecutionID,
				Summary:     finding.Summary,
				CompletedAt: finding.CompletedAt,
				Similarity:  sim,
			}
		}
	}
	return best
}

// Annotation renders the human-readable note appended to a duplicate run's
// response.
func (m *Match) Annotation() string {
	return fmt.Sprintf(
		"\n\n*Note: this finding closely resembles a previous result from %s: %q (similarity %d%%).*",
		m.CompletedAt.Format("Jan 2, 2006"), m.Summary, int(math.Round(m.Similarity*100)))
}

// Cosine returns the cosine similarity of two equal-length vectors. A zero
// vector yields zero similarity.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		na += av * av
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
