package pipeline

import (
	"context"
	"fmt"

	"cognitive-traces/internal/embedding"
	"cognitive-traces/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	labelWeight         = 0.6
	justificationWeight = 0.4
)

// Scorer measures how far the analyst and critic diverge on each event.
type Scorer struct {
	embedder embedding.Embedder
	logger   *zap.Logger
}

// NewScorer creates a scorer using embedder for justification similarity.
func NewScorer(embedder embedding.Embedder, logger *zap.Logger) *Scorer {
	return &Scorer{embedder: embedder, logger: logger}
}

// Score returns n scores:
//
//	0.6*label_mismatch + 0.4*(1 - cosine(justifications))
//
// Events missing either decision score 0. Identical justification text has
// similarity 1 without consulting the embedder. If embedding fails, or the
// embedder returns the wrong number of vectors, the text term is dropped and
// only label mismatch counts.
func (s *Scorer) Score(ctx context.Context, analyst, critic []*models.AgentDecision, n int) []float64 {
	scores := make([]float64, n)
	sims := make([]float64, n)

	var idx []int
	var aTexts, cTexts []string
	for i := 0; i < n; i++ {
		a, c := at(analyst, i), at(critic, i)
		if a == nil || c == nil {
			continue
		}
		sims[i] = 1
		if a.Justification != c.Justification {
			idx = append(idx, i)
			aTexts = append(aTexts, a.Justification)
			cTexts = append(cTexts, c.Justification)
		}
	}

	if len(idx) > 0 && s.embedder != nil {
		var aVecs, cVecs [][]float32
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			aVecs, err = s.embed(gctx, aTexts)
			return err
		})
		g.Go(func() error {
			var err error
			cVecs, err = s.embed(gctx, cTexts)
			return err
		})
		if err := g.Wait(); err != nil {
			s.logger.Warn("Failed to embed justifications, scoring labels only",
				zap.Int("texts", len(idx)),
				zap.Error(err))
		} else {
			for k, i := range idx {
				sims[i] = clamp01(embedding.Cosine(aVecs[k], cVecs[k]))
			}
		}
	}

	for i := 0; i < n; i++ {
		a, c := at(analyst, i), at(critic, i)
		if a == nil || c == nil {
			continue
		}
		mismatch := 0.0
		if a.Label != c.Label {
			mismatch = 1
		}
		scores[i] = labelWeight*mismatch + justificationWeight*(1-sims[i])
	}
	return scores
}

// embed returns one vector per text or an error.
func (s *Scorer) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func at(ds []*models.AgentDecision, i int) *models.AgentDecision {
	if i < 0 || i >= len(ds) {
		return nil
	}
	return ds[i]
}
