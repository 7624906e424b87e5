// Package index stores face embeddings with metadata and answers filtered
// cosine-similarity queries.
package index

import (
	"context"
	"errors"
	"slices"
	"sort"

	"github.com/your-org/facetag/internal/models"
)

var (
	ErrEmptyFilter = errors.New("refusing to delete with an empty filter")
	ErrDimension   = errors.New("embedding dimension mismatch")
)

type Index interface {
	// Upsert writes records, replacing any existing record with the same id.
	Upsert(ctx context.Context, records ...models.FaceRecord) error
	// Search returns up to topK records matching filter with cosine
	// similarity >= minScore, best first.
	Search(ctx context.Context, embedding []float32, filter Filter, topK int, minScore float64) ([]models.Match, error)
	DeleteByFilter(ctx context.Context, filter Filter) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Filter restricts a query by metadata. Zero-valued fields match anything.
type Filter struct {
	Kind       models.Kind
	WeddingIDs []string
	PhotoID    string
	// MinFaceIndex keeps faces whose index is >= the value.
	MinFaceIndex int
}

func (f Filter) IsEmpty() bool {
	return f.Kind == "" && len(f.WeddingIDs) == 0 && f.PhotoID == "" && f.MinFaceIndex == 0
}

func (f Filter) Matches(m models.FaceMetadata) bool {
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if len(f.WeddingIDs) > 0 && !slices.Contains(f.WeddingIDs, m.WeddingID) {
		return false
	}
	if f.PhotoID != "" && m.PhotoID != f.PhotoID {
		return false
	}
	if m.FaceIndex < f.MinFaceIndex {
		return false
	}
	return true
}

// rank orders matches by descending score, then id, and truncates to topK.
func rank(matches []models.Match, topK int) []models.Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
