package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/your-org/facetag/internal/index"
	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/observability"
	"github.com/your-org/facetag/internal/recordstore"
	"github.com/your-org/facetag/pkg/dto"
)

// ErrPrecondition marks a photo job that was rejected before any download.
var ErrPrecondition = errors.New("photo precondition failed")

type PhotoResult struct {
	Faces    int
	Matches  int
	Pruned   int64
	Duration time.Duration
}

// PhotoHandler runs photo_process jobs: detect every face in a photo, tag the
// ones that match a known sample and index all of them for later samples.
type PhotoHandler struct {
	records    RecordStore
	fetcher    Fetcher
	extractor  Extractor
	vectors    VectorStore
	correlator Correlator
	opts       Options
	now        clock
}

func NewPhotoHandler(records RecordStore, fetcher Fetcher, extractor Extractor, vectors VectorStore, correlator Correlator, opts Options) *PhotoHandler {
	return &PhotoHandler{
		records:    records,
		fetcher:    fetcher,
		extractor:  extractor,
		vectors:    vectors,
		correlator: correlator,
		opts:       opts,
		now:        time.Now,
	}
}

func (h *PhotoHandler) Handle(ctx context.Context, job models.PhotoProcessJob) (PhotoResult, error) {
	photoID := job.PhotoID.String()

	// 1. Preconditions. Nothing is downloaded unless all of them hold.
	photo, err := h.records.GetPhoto(ctx, photoID)
	switch {
	case errors.Is(err, recordstore.ErrNotFound) || (err == nil && photo == nil):
		h.rejectQueue(ctx, photoID, models.MsgPhotoNotFound)
		return PhotoResult{}, fmt.Errorf("%w: photo %s not found", ErrPrecondition, photoID)
	case err != nil:
		h.rejectQueue(ctx, photoID, "Photo lookup failed: "+err.Error())
		return PhotoResult{}, err
	}
	// The record exists from here on, so it carries the failure too.
	weddingID := photo.TenantID()
	if weddingID == "" {
		return PhotoResult{}, h.fail(ctx, photoID, models.MsgMissingWeddingID,
			fmt.Errorf("%w: no wedding", ErrPrecondition))
	}
	if photo.OriginalURL == "" {
		return PhotoResult{}, h.fail(ctx, photoID, models.MsgMissingOriginalURL,
			fmt.Errorf("%w: no original url", ErrPrecondition))
	}

	// 2. Mark processing.
	start := h.now()
	if err := h.records.PatchProcessingQueue(ctx, photoID, dto.QueuePatch{
		Status:    string(models.StatusProcessing),
		StartedAt: timestamp(start),
	}); err != nil {
		return PhotoResult{}, h.fail(ctx, photoID, err.Error(), err)
	}
	if err := h.records.PatchPhoto(ctx, photoID, dto.PhotoPatch{ProcessingStatus: string(models.StatusProcessing)}); err != nil {
		return PhotoResult{}, h.fail(ctx, photoID, err.Error(), err)
	}

	// 3. Download and detect.
	tmp, err := h.fetcher.Fetch(ctx, photo.OriginalURL)
	if err != nil {
		return PhotoResult{}, h.fail(ctx, photoID, models.MsgDownloadFailed, err)
	}
	defer tmp.Release()
	image, err := tmp.ReadAll()
	if err != nil {
		return PhotoResult{}, h.fail(ctx, photoID, models.MsgDownloadFailed, fmt.Errorf("read downloaded photo: %w", err))
	}

	faces, err := h.extractor.Detect(ctx, image, h.opts.MinConfidence)
	if err != nil {
		return PhotoResult{}, h.fail(ctx, photoID, err.Error(), fmt.Errorf("detect faces: %w", err))
	}
	observability.FacesDetected.Add(float64(len(faces)))

	// 4. Correlate each face against the wedding's samples and index it.
	res := PhotoResult{Faces: len(faces)}
	for i, face := range faces {
		faceID := models.PhotoFaceID(photoID, i)

		match, err := h.correlator.FindPersonInPhoto(ctx, face.Embedding, weddingID)
		if err != nil {
			return res, h.fail(ctx, photoID, err.Error(), err)
		}
		if match != nil && match.Metadata.HasOwner() {
			tag := dto.PhotoTag{
				PhotoID:         photoID,
				GuestID:         match.Metadata.GuestID,
				UserID:          dto.ID(match.Metadata.UserID),
				ConfidenceScore: match.Score,
				BoundingBox:     boundingBox(face.BBox),
				FaceEncodingID:  faceID,
			}
			if err := h.records.PostPhotoTag(ctx, tag); err != nil {
				return res, h.fail(ctx, photoID, err.Error(), err)
			}
			res.Matches++
			observability.MatchesCreated.WithLabelValues("photo_to_sample").Inc()
			observability.PhotoTagsCreated.Inc()
		}

		record := models.FaceRecord{
			ID:        faceID,
			Embedding: face.Embedding,
			Metadata: models.FaceMetadata{
				Kind:       models.KindPhoto,
				WeddingID:  weddingID,
				PhotoID:    photoID,
				FaceIndex:  i,
				BBox:       face.BBox,
				Confidence: face.Confidence,
				PhotoURL:   photo.OriginalURL,
			},
		}
		if err := h.vectors.Upsert(ctx, record); err != nil {
			return res, h.fail(ctx, photoID, err.Error(), fmt.Errorf("upsert %s: %w", faceID, err))
		}
	}
	tmp.Release()

	// 5. Drop faces left over from an earlier run that found more of them.
	pruned, err := h.vectors.DeleteByFilter(ctx, index.Filter{
		Kind:         models.KindPhoto,
		PhotoID:      photoID,
		MinFaceIndex: len(faces),
	})
	if err != nil {
		slog.Warn("prune stale photo faces", "photo_id", photoID, "error", err)
	}
	res.Pruned = pruned

	// 6. Terminal state.
	end := h.now()
	res.Duration = end.Sub(start)
	if err := h.records.PatchPhoto(ctx, photoID, dto.PhotoPatch{
		ProcessingStatus: string(models.StatusCompleted),
		FacesDetected:    ptr(res.Faces),
		ProcessedAt:      timestamp(end),
	}); err != nil {
		return res, h.fail(ctx, photoID, err.Error(), err)
	}
	if err := h.records.PatchProcessingQueue(ctx, photoID, dto.QueuePatch{
		Status:           string(models.StatusCompleted),
		FacesFound:       ptr(res.Faces),
		MatchesCreated:   ptr(res.Matches),
		CompletedAt:      timestamp(end),
		ProcessingTimeMs: ptr(res.Duration.Milliseconds()),
	}); err != nil {
		return res, fmt.Errorf("complete queue entry %s: %w", photoID, err)
	}
	return res, nil
}

// rejectQueue records a precondition failure. The photo record is left
// alone since it may not exist.
func (h *PhotoHandler) rejectQueue(ctx context.Context, photoID, msg string) {
	if err := h.records.PatchProcessingQueue(ctx, photoID, dto.QueuePatch{
		Status:       string(models.StatusFailed),
		ErrorMessage: &msg,
		CompletedAt:  timestamp(h.now()),
	}); err != nil {
		slog.Warn("mark queue entry failed", "photo_id", photoID, "error", err)
	}
}

// fail writes the failed state to both the photo and its queue entry and
// returns cause.
func (h *PhotoHandler) fail(ctx context.Context, photoID, msg string, cause error) error {
	if err := h.records.PatchPhoto(ctx, photoID, dto.PhotoPatch{
		ProcessingStatus: string(models.StatusFailed),
		AIErrorMessage:   &msg,
	}); err != nil {
		slog.Warn("mark photo failed", "photo_id", photoID, "error", err)
	}
	h.rejectQueue(ctx, photoID, msg)
	return fmt.Errorf("process photo %s: %w", photoID, cause)
}

func boundingBox(b [4]float64) dto.BoundingBox {
	box := models.BoxFromBBox(b)
	return dto.BoundingBox{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}
}
