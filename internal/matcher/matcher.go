// Package matcher correlates face embeddings across the two populations in
// the index: reference samples and photo faces.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/your-org/facetag/internal/index"
	"github.com/your-org/facetag/internal/models"
)

const (
	// PhotoToSampleTopK bounds the candidates for a single photo face; only
	// the best one is used.
	PhotoToSampleTopK = 5
	// SampleToPhotoTopK bounds the photo faces a new sample can be linked to
	// in one pass.
	SampleToPhotoTopK = 500
)

// Searcher is the part of index.Index the correlator needs.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, filter index.Filter, topK int, minScore float64) ([]models.Match, error)
}

// Correlator applies one similarity threshold in both directions.
type Correlator struct {
	index     Searcher
	threshold float64
}

func NewCorrelator(idx Searcher, threshold float64) *Correlator {
	return &Correlator{index: idx, threshold: threshold}
}

func (c *Correlator) Threshold() float64 { return c.threshold }

// FindPersonInPhoto returns the best sample in weddingID scoring at or above
// the threshold, or nil.
func (c *Correlator) FindPersonInPhoto(ctx context.Context, embedding []float32, weddingID string) (*models.Match, error) {
	filter := index.Filter{Kind: models.KindSample, WeddingIDs: []string{weddingID}}
	matches, err := c.search(ctx, embedding, filter, PhotoToSampleTopK)
	if err != nil {
		return nil, fmt.Errorf("find person in photo: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	best := matches[0]
	return &best, nil
}

// FindPhotosForPerson returns every photo face in the given weddings scoring
// at or above the threshold, best first.
func (c *Correlator) FindPhotosForPerson(ctx context.Context, embedding []float32, weddingIDs []string) ([]models.Match, error) {
	if len(weddingIDs) == 0 {
		return nil, nil
	}
	filter := index.Filter{Kind: models.KindPhoto, WeddingIDs: weddingIDs}
	matches, err := c.search(ctx, embedding, filter, SampleToPhotoTopK)
	if err != nil {
		return nil, fmt.Errorf("find photos for person: %w", err)
	}
	return matches, nil
}

func (c *Correlator) search(ctx context.Context, embedding []float32, filter index.Filter, topK int) ([]models.Match, error) {
	matches, err := c.index.Search(ctx, embedding, filter, topK, c.threshold)
	if err != nil {
		return nil, err
	}
	kept := matches[:0]
	for _, m := range matches {
		if m.Score >= c.threshold {
			kept = append(kept, m)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) > topK {
		kept = kept[:topK]
	}
	return kept, nil
}
