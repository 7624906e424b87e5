package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/observability"
	"github.com/your-org/facetag/pkg/dto"
)

type SampleResult struct {
	EncodingID string
	Records    int
	Tags       int
	Requeued   int
}

// SampleHandler runs face_sample jobs: index a person's reference face in
// each of their weddings and link it to photo faces already indexed there.
type SampleHandler struct {
	records    RecordStore
	fetcher    Fetcher
	extractor  Extractor
	vectors    VectorStore
	correlator Correlator
	fanout     *ReprocessHandler
	opts       Options
}

func NewSampleHandler(records RecordStore, fetcher Fetcher, extractor Extractor, vectors VectorStore, correlator Correlator, fanout *ReprocessHandler, opts Options) *SampleHandler {
	return &SampleHandler{
		records:    records,
		fetcher:    fetcher,
		extractor:  extractor,
		vectors:    vectors,
		correlator: correlator,
		fanout:     fanout,
		opts:       opts,
	}
}

func (h *SampleHandler) Handle(ctx context.Context, job models.FaceSampleJob) (SampleResult, error) {
	if err := job.Validate(); err != nil {
		return SampleResult{}, err
	}

	face, err := h.extractFace(ctx, job.ImageURL)
	if err != nil {
		return SampleResult{}, err
	}

	records := sampleRecords(job, face)
	if err := h.vectors.Upsert(ctx, records...); err != nil {
		return SampleResult{}, fmt.Errorf("upsert sample: %w", err)
	}
	res := SampleResult{EncodingID: records[0].ID, Records: len(records)}

	if err := h.records.PostFaceSample(ctx, dto.FaceSample{
		UserID:          job.UserID,
		GuestID:         job.GuestID.String(),
		SampleImageURL:  job.ImageURL,
		ThumbnailURL:    job.ImageURL,
		FaceEncodingID:  res.EncodingID,
		EncodingQuality: face.Confidence,
		IsPrimary:       true,
		Source:          dto.SampleSourceUpload,
	}); err != nil {
		return res, err
	}
	if job.IsGuest() {
		err = h.records.PatchGuest(ctx, job.GuestID.String(), dto.GuestPatch{
			FaceEncodingID:     res.EncodingID,
			FaceSampleProvided: ptr(true),
			PhotosProcessed:    ptr(false),
		})
	} else {
		err = h.records.PatchUser(ctx, job.UserID.String(), dto.UserPatch{
			FaceEncodingID:     res.EncodingID,
			FaceSampleUploaded: ptr(true),
		})
	}
	if err != nil {
		return res, err
	}

	scope := job.Scope()
	if len(scope) == 0 {
		return res, nil
	}

	matches, err := h.correlator.FindPhotosForPerson(ctx, face.Embedding, scope)
	if err != nil {
		return res, err
	}
	for _, m := range matches {
		if m.Metadata.PhotoID == "" {
			continue
		}
		tag := dto.PhotoTag{
			PhotoID:         m.Metadata.PhotoID,
			ConfidenceScore: m.Score,
			BoundingBox:     boundingBox(m.Metadata.BBox),
			FaceEncodingID:  m.ID,
		}
		if job.IsGuest() {
			tag.GuestID = job.GuestID.String()
		} else {
			tag.UserID = job.UserID
		}
		if err := h.records.PostPhotoTag(ctx, tag); err != nil {
			return res, err
		}
		res.Tags++
		observability.MatchesCreated.WithLabelValues("sample_to_photo").Inc()
		observability.PhotoTagsCreated.Inc()
	}

	// No photo faces yet: the wedding's photos were probably never processed,
	// so queue them and let each photo job find this sample.
	if res.Tags == 0 {
		n, err := h.fanout.EnqueueWeddings(ctx, scope)
		res.Requeued = n
		if err != nil {
			return res, err
		}
		if n > 0 {
			slog.Info("no indexed photo faces, queued photos for processing",
				"encoding_id", res.EncodingID, "weddings", len(scope), "photos", n)
		}
	}
	return res, nil
}

func (h *SampleHandler) extractFace(ctx context.Context, imageURL string) (models.FaceDescriptor, error) {
	tmp, err := h.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return models.FaceDescriptor{}, err
	}
	defer tmp.Release()

	image, err := tmp.ReadAll()
	if err != nil {
		return models.FaceDescriptor{}, fmt.Errorf("read sample image: %w", err)
	}
	face, err := h.extractor.DetectSingleProminent(ctx, image, h.opts.MinConfidence)
	if err != nil {
		return models.FaceDescriptor{}, fmt.Errorf("extract sample face: %w", err)
	}
	return face, nil
}

// sampleRecords builds the index records for a sample. A guest gets one
// record in their wedding. A user gets one per wedding in scope, the first
// under the primary id, or a single unscoped record when scope is empty.
func sampleRecords(job models.FaceSampleJob, face models.FaceDescriptor) []models.FaceRecord {
	meta := models.FaceMetadata{
		Kind:         models.KindSample,
		BBox:         face.BBox,
		Confidence:   face.Confidence,
		SampleSource: dto.SampleSourceUpload,
		IsPrimary:    true,
	}

	if job.IsGuest() {
		meta.GuestID = job.GuestID.String()
		meta.WeddingID = job.WeddingID.String()
		return []models.FaceRecord{{
			ID:        models.GuestSampleID(meta.GuestID, 0),
			Embedding: face.Embedding,
			Metadata:  meta,
		}}
	}

	meta.UserID = job.UserID.String()
	scope := job.Scope()
	if len(scope) == 0 {
		return []models.FaceRecord{{
			ID:        models.UserSampleID(meta.UserID, 0),
			Embedding: face.Embedding,
			Metadata:  meta,
		}}
	}
	out := make([]models.FaceRecord, 0, len(scope))
	for i, weddingID := range scope {
		m := meta
		m.WeddingID = weddingID
		out = append(out, models.FaceRecord{
			ID:        models.UserSampleID(meta.UserID, i),
			Embedding: face.Embedding,
			Metadata:  m,
		})
	}
	return out
}
