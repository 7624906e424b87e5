package worker

import (
	"context"
	"fmt"

	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/observability"
	"github.com/your-org/facetag/pkg/dto"
)

// ReprocessHandler re-queues every photo of a wedding as photo_process.
type ReprocessHandler struct {
	records   RecordStore
	publisher Publisher
	opts      Options
}

func NewReprocessHandler(records RecordStore, publisher Publisher, opts Options) *ReprocessHandler {
	return &ReprocessHandler{records: records, publisher: publisher, opts: opts}
}

// Handle returns the number of photo_process events appended.
func (h *ReprocessHandler) Handle(ctx context.Context, job models.ReprocessWeddingJob) (int, error) {
	if err := job.Validate(); err != nil {
		return 0, err
	}
	return h.EnqueueWeddings(ctx, []string{job.WeddingID.String()})
}

// EnqueueWeddings appends one photo_process event per known photo of each
// wedding and returns how many were appended before any error.
func (h *ReprocessHandler) EnqueueWeddings(ctx context.Context, weddingIDs []string) (int, error) {
	total := 0
	for _, weddingID := range weddingIDs {
		photoIDs, err := h.records.GetWeddingPhotoIDs(ctx, weddingID)
		if err != nil {
			return total, err
		}
		for _, photoID := range photoIDs {
			if err := h.enqueuePhoto(ctx, photoID); err != nil {
				return total, fmt.Errorf("requeue wedding %s: %w", weddingID, err)
			}
			total++
		}
	}
	return total, nil
}

func (h *ReprocessHandler) enqueuePhoto(ctx context.Context, photoID string) error {
	job := models.PhotoProcessJob{PhotoID: dto.ID(photoID)}
	if _, err := h.publisher.Append(ctx, h.opts.StreamKey, string(job.Type()), job, h.opts.MaxLen); err != nil {
		return fmt.Errorf("append photo_process for %s: %w", photoID, err)
	}
	observability.EventsEnqueued.WithLabelValues(string(job.Type())).Inc()
	return nil
}
