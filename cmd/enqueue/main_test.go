package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/facetag/internal/models"
)

func TestBuildJob(t *testing.T) {
	event, payload, err := buildJob(options{wedding: "w1"})
	require.NoError(t, err)
	assert.Equal(t, models.JobReprocessWedding, event)
	assert.JSONEq(t, `{"weddingId":"w1"}`, string(payload))

	event, payload, err = buildJob(options{photo: "p1"})
	require.NoError(t, err)
	assert.Equal(t, models.JobPhotoProcess, event)
	assert.JSONEq(t, `{"photoId":"p1"}`, string(payload))

	event, payload, err = buildJob(options{event: "face_sample", payload: `{"userId":42,"imageUrl":"https://x/42.jpg"}`})
	require.NoError(t, err)
	assert.Equal(t, models.JobFaceSample, event)
	assert.True(t, json.Valid(payload))
}

func TestBuildJob_Rejects(t *testing.T) {
	tests := []struct {
		name string
		opts options
	}{
		{name: "nothing", opts: options{}},
		{name: "sample without payload", opts: options{event: "face_sample"}},
		{name: "not an object", opts: options{event: "photo_process", payload: `"p1"`}},
		{name: "missing field", opts: options{event: "reprocess_wedding", payload: `{}`}},
		{name: "unknown event", opts: options{event: "resize", payload: `{}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := buildJob(tt.opts)
			assert.Error(t, err)
		})
	}
}
