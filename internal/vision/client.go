package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/your-org/facetag/internal/config"
	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/observability"
)

var ErrNoFace = errors.New("no face detected")

// Client calls an InsightFace-style embedding server.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.VisionConfig) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type faceDetection struct {
	FaceIndex int             `json:"face_index"`
	Embedding []float32       `json:"embedding"`
	BBox      []float64       `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64         `json:"det_score"`
	Landmarks [][2]float64    `json:"landmarks,omitempty"`
	Age       *float64        `json:"age,omitempty"`
	Gender    json.RawMessage `json:"gender,omitempty"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Detect returns every face with confidence >= minConfidence, in the order the
// server reported them.
func (c *Client) Detect(ctx context.Context, image []byte, minConfidence float64) ([]models.FaceDescriptor, error) {
	start := time.Now()
	defer func() {
		observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	}()

	body, err := c.postImage(ctx, "/embed/face", image)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse face response: %w", err)
	}

	faces := make([]models.FaceDescriptor, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if f.DetScore < minConfidence {
			continue
		}
		if len(f.Embedding) == 0 {
			return nil, fmt.Errorf("face %d: empty embedding", f.FaceIndex)
		}
		if len(f.BBox) != 4 {
			return nil, fmt.Errorf("face %d: bbox has %d values", f.FaceIndex, len(f.BBox))
		}
		faces = append(faces, models.FaceDescriptor{
			Embedding:  f.Embedding,
			BBox:       [4]float64{f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3]},
			Confidence: f.DetScore,
			Landmarks:  f.Landmarks,
			Age:        age(f.Age),
			Gender:     gender(f.Gender),
		})
	}
	return faces, nil
}

func age(v *float64) *int {
	if v == nil {
		return nil
	}
	a := int(math.Round(*v))
	return &a
}

// gender accepts "M"/"F" strings or the 1 (male) / 0 (female) integers some
// InsightFace builds return.
func gender(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n >= 0.5 {
			return "M"
		}
		return "F"
	}
	return ""
}

// DetectSingleProminent returns the face with the largest box, or ErrNoFace.
func (c *Client) DetectSingleProminent(ctx context.Context, image []byte, minConfidence float64) (models.FaceDescriptor, error) {
	faces, err := c.Detect(ctx, image, minConfidence)
	if err != nil {
		return models.FaceDescriptor{}, err
	}
	face, ok := models.Prominent(faces)
	if !ok {
		return models.FaceDescriptor{}, ErrNoFace
	}
	return face, nil
}

// Ping checks that the embedding server answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vision health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postImage(ctx context.Context, endpoint string, image []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", http.DetectContentType(image))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extractor request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read extractor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extractor error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
