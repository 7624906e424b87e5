// Package worker consumes job events from the stream and runs the photo,
// sample and reprocess handlers that maintain photo tags.
package worker

import (
	"context"
	"time"

	"github.com/your-org/facetag/internal/index"
	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/queue"
	"github.com/your-org/facetag/internal/storage"
	"github.com/your-org/facetag/pkg/dto"
)

// RecordStore is the subset of the record API the handlers write to.
type RecordStore interface {
	GetPhoto(ctx context.Context, id string) (*dto.Photo, error)
	PatchPhoto(ctx context.Context, id string, patch dto.PhotoPatch) error
	PatchProcessingQueue(ctx context.Context, photoID string, patch dto.QueuePatch) error
	PostPhotoTag(ctx context.Context, tag dto.PhotoTag) error
	PostFaceSample(ctx context.Context, sample dto.FaceSample) error
	PatchGuest(ctx context.Context, id string, patch dto.GuestPatch) error
	PatchUser(ctx context.Context, id string, patch dto.UserPatch) error
	GetWeddingPhotoIDs(ctx context.Context, weddingID string) ([]string, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*storage.TempFile, error)
}

type Extractor interface {
	Detect(ctx context.Context, image []byte, minConfidence float64) ([]models.FaceDescriptor, error)
	DetectSingleProminent(ctx context.Context, image []byte, minConfidence float64) (models.FaceDescriptor, error)
}

// VectorStore is the write side of the similarity index.
type VectorStore interface {
	Upsert(ctx context.Context, records ...models.FaceRecord) error
	DeleteByFilter(ctx context.Context, filter index.Filter) (int64, error)
}

// Correlator matches embeddings against the opposite population.
type Correlator interface {
	FindPersonInPhoto(ctx context.Context, embedding []float32, weddingID string) (*models.Match, error)
	FindPhotosForPerson(ctx context.Context, embedding []float32, weddingIDs []string) ([]models.Match, error)
}

type Publisher interface {
	Append(ctx context.Context, streamKey, eventType string, payload any, maxLen int64) (string, error)
}

// Stream is what the dispatch loop needs from the event stream.
type Stream interface {
	Publisher
	EnsureGroup(ctx context.Context, streamKey, group string) error
	Read(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]queue.Message, error)
	Ack(ctx context.Context, streamKey, group, id string) error
}

// Options are shared by the handlers.
type Options struct {
	StreamKey     string
	MaxLen        int64
	MinConfidence float64
}

type clock func() time.Time

func timestamp(t time.Time) *string {
	s := models.Timestamp(t)
	return &s
}

func ptr[T any](v T) *T { return &v }
