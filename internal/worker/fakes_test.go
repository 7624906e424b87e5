package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/your-org/facetag/internal/index"
	"github.com/your-org/facetag/internal/matcher"
	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/queue"
	"github.com/your-org/facetag/internal/recordstore"
	"github.com/your-org/facetag/internal/storage"
	"github.com/your-org/facetag/internal/vision"
	"github.com/your-org/facetag/pkg/dto"
)

const (
	testStream    = "ai:processing:stream"
	testThreshold = 0.6
	testDim       = 3
)

type fakeRecords struct {
	mu sync.Mutex

	photos     map[string]*dto.Photo
	getErr     error
	panicOnGet bool
	photoIDs map[string][]string
	tagErr   error

	photoPatches map[string][]dto.PhotoPatch
	queuePatches map[string][]dto.QueuePatch
	tags         []dto.PhotoTag
	samples      []dto.FaceSample
	guestPatches map[string][]dto.GuestPatch
	userPatches  map[string][]dto.UserPatch
	calls        int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		photos:       make(map[string]*dto.Photo),
		photoIDs:     make(map[string][]string),
		photoPatches: make(map[string][]dto.PhotoPatch),
		queuePatches: make(map[string][]dto.QueuePatch),
		guestPatches: make(map[string][]dto.GuestPatch),
		userPatches:  make(map[string][]dto.UserPatch),
	}
}

func (f *fakeRecords) GetPhoto(_ context.Context, id string) (*dto.Photo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panicOnGet {
		panic("record store exploded")
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	p, ok := f.photos[id]
	if !ok {
		return nil, recordstore.ErrNotFound
	}
	return p, nil
}

func (f *fakeRecords) PatchPhoto(_ context.Context, id string, patch dto.PhotoPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.photoPatches[id] = append(f.photoPatches[id], patch)
	return nil
}

func (f *fakeRecords) PatchProcessingQueue(_ context.Context, id string, patch dto.QueuePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.queuePatches[id] = append(f.queuePatches[id], patch)
	return nil
}

func (f *fakeRecords) PostPhotoTag(_ context.Context, tag dto.PhotoTag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.tagErr != nil {
		return f.tagErr
	}
	f.tags = append(f.tags, tag)
	return nil
}

func (f *fakeRecords) PostFaceSample(_ context.Context, s dto.FaceSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeRecords) PatchGuest(_ context.Context, id string, patch dto.GuestPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.guestPatches[id] = append(f.guestPatches[id], patch)
	return nil
}

func (f *fakeRecords) PatchUser(_ context.Context, id string, patch dto.UserPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.userPatches[id] = append(f.userPatches[id], patch)
	return nil
}

func (f *fakeRecords) GetWeddingPhotoIDs(_ context.Context, weddingID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.photoIDs[weddingID], nil
}

func (f *fakeRecords) lastPhotoPatch(id string) dto.PhotoPatch {
	p := f.photoPatches[id]
	if len(p) == 0 {
		return dto.PhotoPatch{}
	}
	return p[len(p)-1]
}

func (f *fakeRecords) lastQueuePatch(id string) dto.QueuePatch {
	p := f.queuePatches[id]
	if len(p) == 0 {
		return dto.QueuePatch{}
	}
	return p[len(p)-1]
}

// fakeFetcher writes a small file per fetch and remembers every path it
// handed out so tests can check they were released.
type fakeFetcher struct {
	dir   string
	err   error
	urls  []string
	paths []string
}

func newFakeFetcher(t *testing.T) *fakeFetcher {
	return &fakeFetcher{dir: t.TempDir()}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*storage.TempFile, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(f.dir, fmt.Sprintf("%d-%s", len(f.paths), filepath.Base(url)))
	if err := os.WriteFile(path, []byte("image:"+url), 0o600); err != nil {
		return nil, err
	}
	f.paths = append(f.paths, path)
	return &storage.TempFile{Path: path, Size: int64(len(url) + 6)}, nil
}

func (f *fakeFetcher) assertReleased(t *testing.T) {
	t.Helper()
	for _, p := range f.paths {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), "temp file %s was not released", p)
	}
}

type fakeExtractor struct {
	faces     []models.FaceDescriptor
	err       error
	calls     int
	lastImage []byte
}

func (f *fakeExtractor) Detect(_ context.Context, image []byte, minConfidence float64) ([]models.FaceDescriptor, error) {
	f.calls++
	f.lastImage = image
	if f.err != nil {
		return nil, f.err
	}
	var out []models.FaceDescriptor
	for _, face := range f.faces {
		if face.Confidence >= minConfidence {
			out = append(out, face)
		}
	}
	return out, nil
}

func (f *fakeExtractor) DetectSingleProminent(ctx context.Context, image []byte, minConfidence float64) (models.FaceDescriptor, error) {
	faces, err := f.Detect(ctx, image, minConfidence)
	if err != nil {
		return models.FaceDescriptor{}, err
	}
	face, ok := models.Prominent(faces)
	if !ok {
		return models.FaceDescriptor{}, vision.ErrNoFace
	}
	return face, nil
}

type appended struct {
	Stream  string
	Event   string
	Payload string
}

// fakeStream serves queued messages, then calls onEmpty once drained.
type fakeStream struct {
	mu sync.Mutex

	appended []appended
	inbox    []queue.Message
	readErrs []error
	acks     []string
	groups   []string
	groupErr error
	onEmpty  func()
}

func (s *fakeStream) Append(_ context.Context, streamKey, eventType string, payload any, _ int64) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, appended{Stream: streamKey, Event: eventType, Payload: string(b)})
	return fmt.Sprintf("%d-0", len(s.appended)), nil
}

func (s *fakeStream) EnsureGroup(_ context.Context, streamKey, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, streamKey+"/"+group)
	return s.groupErr
}

func (s *fakeStream) Read(ctx context.Context, _, _, _ string, count int64, _ time.Duration) ([]queue.Message, error) {
	s.mu.Lock()
	if len(s.readErrs) > 0 {
		err := s.readErrs[0]
		s.readErrs = s.readErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	if len(s.inbox) == 0 {
		onEmpty := s.onEmpty
		s.mu.Unlock()
		if onEmpty != nil {
			onEmpty()
		}
		return nil, ctx.Err()
	}
	n := min(int(count), len(s.inbox))
	out := s.inbox[:n]
	s.inbox = s.inbox[n:]
	s.mu.Unlock()
	return out, nil
}

func (s *fakeStream) Ack(_ context.Context, _, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, id)
	return nil
}

func (s *fakeStream) photoProcessIDs(t *testing.T) []string {
	t.Helper()
	var ids []string
	for _, a := range s.appended {
		require.Equal(t, string(models.JobPhotoProcess), a.Event)
		require.Equal(t, testStream, a.Stream)
		var job models.PhotoProcessJob
		require.NoError(t, json.Unmarshal([]byte(a.Payload), &job))
		ids = append(ids, job.PhotoID.String())
	}
	return ids
}

type harness struct {
	records   *fakeRecords
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	index     *index.MemoryIndex
	stream    *fakeStream
	photos    *PhotoHandler
	samples   *SampleHandler
	reprocess *ReprocessHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		records:   newFakeRecords(),
		fetcher:   newFakeFetcher(t),
		extractor: &fakeExtractor{},
		index:     index.NewMemoryIndex(testDim),
		stream:    &fakeStream{},
	}
	opts := Options{StreamKey: testStream, MaxLen: 10000, MinConfidence: 0.5}
	correlator := matcher.NewCorrelator(h.index, testThreshold)

	clockTimes := []time.Time{
		time.Date(2026, 6, 20, 14, 0, 0, 0, time.UTC),
		time.Date(2026, 6, 20, 14, 0, 1, 500_000_000, time.UTC),
	}
	h.reprocess = NewReprocessHandler(h.records, h.stream, opts)
	h.photos = NewPhotoHandler(h.records, h.fetcher, h.extractor, h.index, correlator, opts)
	h.photos.now = steppingClock(clockTimes)
	h.samples = NewSampleHandler(h.records, h.fetcher, h.extractor, h.index, correlator, h.reprocess, opts)
	return h
}

// steppingClock returns the given times in order, repeating the last one.
func steppingClock(times []time.Time) clock {
	i := 0
	return func() time.Time {
		t := times[min(i, len(times)-1)]
		i++
		return t
	}
}

func face(confidence float64, bbox [4]float64, emb ...float32) models.FaceDescriptor {
	return models.FaceDescriptor{Embedding: emb, BBox: bbox, Confidence: confidence}
}

func (h *harness) seedSample(t *testing.T, id, weddingID, guestID, userID string, emb ...float32) {
	t.Helper()
	require.NoError(t, h.index.Upsert(context.Background(), models.FaceRecord{
		ID:        id,
		Embedding: emb,
		Metadata: models.FaceMetadata{
			Kind:      models.KindSample,
			WeddingID: weddingID,
			GuestID:   guestID,
			UserID:    userID,
		},
	}))
}

func (h *harness) seedPhotoFace(t *testing.T, photoID string, faceIndex int, weddingID string, bbox [4]float64, emb ...float32) {
	t.Helper()
	require.NoError(t, h.index.Upsert(context.Background(), models.FaceRecord{
		ID:        models.PhotoFaceID(photoID, faceIndex),
		Embedding: emb,
		Metadata: models.FaceMetadata{
			Kind:      models.KindPhoto,
			WeddingID: weddingID,
			PhotoID:   photoID,
			FaceIndex: faceIndex,
			BBox:      bbox,
		},
	}))
}
