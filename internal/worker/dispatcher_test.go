package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/observability"
	"github.com/your-org/facetag/internal/queue"
)

func msg(id, event, payload string) queue.Message {
	return queue.Message{ID: id, Fields: map[string]string{
		queue.FieldEvent:   event,
		queue.FieldPayload: payload,
		queue.FieldTS:      "1750000000.000000",
	}}
}

func (h *harness) dispatcher(retainFailed bool) *Dispatcher {
	return NewDispatcher(h.stream, DispatcherConfig{
		StreamKey:        testStream,
		Group:            "ai-workers",
		Consumer:         "worker-test",
		BlockTimeout:     10 * time.Millisecond,
		RetainFailedJobs: retainFailed,
		ReadErrorBackoff: time.Millisecond,
	}, h.photos, h.samples, h.reprocess)
}

func runUntilDrained(t *testing.T, h *harness, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.stream.onEmpty = cancel

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcher_RoutesAndAcksEverything(t *testing.T) {
	h := newHarness(t)
	h.addPhoto("p1", "w1", "https://cdn.example.com/p1.jpg")
	h.records.photoIDs["w1"] = []string{"p1", "p2"}
	h.extractor.faces = []models.FaceDescriptor{face(0.9, [4]float64{0, 0, 10, 10}, 1, 0, 0)}
	h.stream.inbox = []queue.Message{
		msg("1-0", "photo_process", `{"photoId":"p1"}`),
		msg("2-0", "reprocess_wedding", `{"weddingId":"w1"}`),
		msg("3-0", "thumbnail", `{}`),
		msg("4-0", "photo_process", `{"photoId":"missing"}`),
	}

	runUntilDrained(t, h, h.dispatcher(false))

	assert.Equal(t, []string{testStream + "/ai-workers"}, h.stream.groups)
	assert.Equal(t, []string{"1-0", "2-0", "3-0", "4-0"}, h.stream.acks)
	assert.Equal(t, string(models.StatusCompleted), h.records.lastPhotoPatch("p1").ProcessingStatus)
	assert.Equal(t, []string{"p1", "p2"}, h.stream.photoProcessIDs(t))
	assert.Equal(t, string(models.StatusFailed), h.records.lastQueuePatch("missing").Status)
}

func TestDispatcher_MalformedPayloadDegradesToEmpty(t *testing.T) {
	h := newHarness(t)
	h.stream.inbox = []queue.Message{
		msg("1-0", "reprocess_wedding", `{not json`),
		msg("2-0", "face_sample", `[1,2]`),
	}
	before := testutil.ToFloat64(observability.MalformedPayloads)
	failedBefore := testutil.ToFloat64(observability.JobsFailedAcked.WithLabelValues("reprocess_wedding"))

	runUntilDrained(t, h, h.dispatcher(false))

	assert.Equal(t, []string{"1-0", "2-0"}, h.stream.acks)
	assert.Equal(t, before+2, testutil.ToFloat64(observability.MalformedPayloads))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(observability.JobsFailedAcked.WithLabelValues("reprocess_wedding")))
	assert.Zero(t, h.records.calls)
	assert.Empty(t, h.fetcher.urls)
}

func TestDispatcher_NumericIDsInPayload(t *testing.T) {
	h := newHarness(t)
	h.extractor.faces = sampleFace()
	h.stream.inbox = []queue.Message{
		msg("1-0", "face_sample", `{"userId":42,"imageUrl":"https://x/42.jpg","weddingIds":["w1"],"hostedWeddingIds":[]}`),
	}

	runUntilDrained(t, h, h.dispatcher(false))

	_, ok := h.index.Get("sample:user:42:0")
	assert.True(t, ok)
	assert.Equal(t, []string{"1-0"}, h.stream.acks)
}

func TestDispatcher_RetainFailedJobs(t *testing.T) {
	h := newHarness(t)
	h.stream.inbox = []queue.Message{
		msg("1-0", "photo_process", `{"photoId":"missing"}`),
		msg("2-0", "reprocess_wedding", `{"weddingId":"w1"}`),
		msg("3-0", "unknown_event", `{}`),
	}

	runUntilDrained(t, h, h.dispatcher(true))

	assert.Equal(t, []string{"2-0", "3-0"}, h.stream.acks)
}

func TestDispatcher_HandlerPanicIsAFailedJob(t *testing.T) {
	processed := observability.JobsProcessed.WithLabelValues("photo_process", outcomeFailed)
	failedAcked := observability.JobsFailedAcked.WithLabelValues("photo_process")
	beforeProcessed := testutil.ToFloat64(processed)
	beforeAcked := testutil.ToFloat64(failedAcked)

	h := newHarness(t)
	h.records.panicOnGet = true
	h.stream.inbox = []queue.Message{
		msg("1-0", "photo_process", `{"photoId":"p1"}`),
		msg("2-0", "reprocess_wedding", `{"weddingId":"w1"}`),
	}

	runUntilDrained(t, h, h.dispatcher(false))

	assert.Equal(t, []string{"1-0", "2-0"}, h.stream.acks)
	assert.Equal(t, beforeProcessed+1, testutil.ToFloat64(processed))
	assert.Equal(t, beforeAcked+1, testutil.ToFloat64(failedAcked))
}

func TestDispatcher_HandlerPanicRetained(t *testing.T) {
	h := newHarness(t)
	h.records.panicOnGet = true
	h.stream.inbox = []queue.Message{msg("1-0", "photo_process", `{"photoId":"p1"}`)}

	runUntilDrained(t, h, h.dispatcher(true))

	assert.Empty(t, h.stream.acks)
}

func TestDispatcher_ReadErrorsBackOffAndContinue(t *testing.T) {
	h := newHarness(t)
	h.stream.readErrs = []error{errors.New("connection reset"), errors.New("connection reset")}
	h.stream.inbox = []queue.Message{msg("1-0", "reprocess_wedding", `{"weddingId":"w1"}`)}
	before := testutil.ToFloat64(observability.StreamReadErrors)

	runUntilDrained(t, h, h.dispatcher(false))

	assert.Equal(t, before+2, testutil.ToFloat64(observability.StreamReadErrors))
	assert.Equal(t, []string{"1-0"}, h.stream.acks)
}

func TestDispatcher_EnsureGroupError(t *testing.T) {
	h := newHarness(t)
	h.stream.groupErr = errors.New("NOAUTH")

	err := h.dispatcher(false).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.stream.acks)
}

func TestDispatcher_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.stream.inbox = []queue.Message{msg("1-0", "reprocess_wedding", `{"weddingId":"w1"}`)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.dispatcher(false).Run(ctx))
	assert.Empty(t, h.stream.acks)
}

func TestDispatcher_IdleLogging(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(false)
	base := time.Date(2026, 6, 20, 14, 0, 0, 0, time.UTC)
	now := base
	d.now = func() time.Time { return now }

	d.idle()
	assert.Equal(t, base, d.idleSince)
	now = base.Add(10 * time.Second)
	d.idle()
	assert.Equal(t, base, d.lastIdleLog)
	now = base.Add(31 * time.Second)
	d.idle()
	assert.Equal(t, now, d.lastIdleLog)
}
