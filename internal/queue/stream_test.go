package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePayload(t *testing.T) {
	got, err := encodePayload(map[string]string{"photoId": "p1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"photoId":"p1"}`, got)

	got, err = encodePayload(`{"raw":true}`)
	require.NoError(t, err)
	assert.Equal(t, `{"raw":true}`, got)

	got, err = encodePayload(json.RawMessage(`{"weddingId":"w"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"weddingId":"w"}`, got)

	got, err = encodePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", got)

	_, err = encodePayload(make(chan int))
	assert.Error(t, err)
}

func TestTimestamp(t *testing.T) {
	ts := time.Unix(1717243200, 250_000_000)
	assert.Equal(t, "1717243200.250000", timestamp(ts))
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "ai_processing_stream", StreamName("ai:processing:stream"))
	assert.Equal(t, "jobs_v2", StreamName("jobs.v2"))
	assert.Equal(t, "ai_processing_stream.photo_process", subject("ai:processing:stream", "photo_process"))
}

func TestMessageAccessors(t *testing.T) {
	m := Message{ID: "1-0", Fields: map[string]string{FieldEvent: "photo_process", FieldPayload: `{"photoId":"p"}`}}
	assert.Equal(t, "photo_process", m.EventType())
	assert.Equal(t, `{"photoId":"p"}`, m.Payload())
	assert.Empty(t, Message{}.EventType())
}
