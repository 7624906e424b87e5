package vision

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/facetag/internal/config"
)

const threeFaces = `{
  "faces_count": 3,
  "model": "buffalo_l",
  "faces": [
    {"face_index": 0, "embedding": [0.1, 0.2], "bbox": [0, 0, 10, 10], "det_score": 0.91},
    {"face_index": 1, "embedding": [0.3, 0.4], "bbox": [10, 10, 60, 70], "det_score": 0.42, "gender": 1},
    {"face_index": 2, "embedding": [0.5, 0.6], "bbox": [5, 5, 45, 45], "det_score": 0.77, "age": 31.6, "gender": "F"}
  ]
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.VisionConfig{URL: srv.URL + "/", Timeout: 5 * time.Second})
}

func TestDetect_FiltersByConfidenceAndKeepsOrder(t *testing.T) {
	var gotField []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed/face", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		gotField, _ = io.ReadAll(f)
		_, _ = w.Write([]byte(threeFaces))
	})

	faces, err := c.Detect(context.Background(), []byte("img"), 0.5)
	require.NoError(t, err)
	assert.Equal(t, "img", string(gotField))

	require.Len(t, faces, 2)
	assert.Equal(t, []float32{0.1, 0.2}, faces[0].Embedding)
	assert.Equal(t, []float32{0.5, 0.6}, faces[1].Embedding)
	assert.InDelta(t, 0.77, faces[1].Confidence, 1e-9)
	require.NotNil(t, faces[1].Age)
	assert.Equal(t, 32, *faces[1].Age)
	assert.Equal(t, "F", faces[1].Gender)
}

func TestDetect_ZeroThresholdKeepsAll(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(threeFaces))
	})
	faces, err := c.Detect(context.Background(), []byte("img"), 0)
	require.NoError(t, err)
	require.Len(t, faces, 3)
	assert.Equal(t, "M", faces[1].Gender)
}

func TestDetectSingleProminent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(threeFaces))
	})

	face, err := c.DetectSingleProminent(context.Background(), []byte("img"), 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.3, 0.4}, face.Embedding)

	face, err = c.DetectSingleProminent(context.Background(), []byte("img"), 0.5)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6}, face.Embedding)
}

func TestDetectSingleProminent_NoFace(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces_count": 0, "faces": []}`))
	})
	_, err := c.DetectSingleProminent(context.Background(), []byte("img"), 0.5)
	assert.ErrorIs(t, err, ErrNoFace)
}

func TestDetect_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "bad json", status: http.StatusOK, body: "{"},
		{name: "empty embedding", status: http.StatusOK, body: `{"faces":[{"embedding":[],"bbox":[0,0,1,1],"det_score":0.9}]}`},
		{name: "short bbox", status: http.StatusOK, body: `{"faces":[{"embedding":[1],"bbox":[0,0],"det_score":0.9}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Detect(context.Background(), []byte("img"), 0.5)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrNoFace)
		})
	}
}

func TestPing(t *testing.T) {
	healthy := true
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, c.Ping(context.Background()))
	healthy = false
	assert.Error(t, c.Ping(context.Background()))
}
