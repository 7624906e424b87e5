// Package recordstore is the HTTP client for the platform's internal record
// API: photos, processing queue entries, photo tags, face samples, guests and
// users.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/your-org/facetag/internal/config"
	"github.com/your-org/facetag/internal/observability"
	"github.com/your-org/facetag/pkg/dto"
)

const (
	secretHeader = "x-internal-secret"
	breakerName  = "record-store"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("record store unavailable")
)

// StatusError is a non-2xx response from the record store.
type StatusError struct {
	Method string
	Route  string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Route, e.Status, e.Body)
}

type Client struct {
	baseURL     string
	secret      string
	timeout     time.Duration
	readTimeout time.Duration
	http        *http.Client
	cb          *gobreaker.CircuitBreaker[[]byte]
}

func New(cfg config.RecordStoreConfig) *Client {
	return NewWithHTTPClient(cfg, &http.Client{})
}

// NewWithHTTPClient is New with a caller-supplied transport. Per-call
// deadlines come from the config, not from client.Timeout.
func NewWithHTTPClient(cfg config.RecordStoreConfig, client *http.Client) *Client {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	observability.BreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A missing record or a rejected payload says nothing about the
		// store's health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrNotFound) {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.Status < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			observability.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		secret:      cfg.InternalSecret,
		timeout:     cfg.Timeout,
		readTimeout: cfg.ReadTimeout,
		http:        client,
		cb:          cb,
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (c *Client) GetPhoto(ctx context.Context, id string) (*dto.Photo, error) {
	var p dto.Photo
	if err := c.get(ctx, "/internal/photos/:id", "/internal/photos/"+url.PathEscape(id), &p); err != nil {
		return nil, fmt.Errorf("get photo %s: %w", id, err)
	}
	return &p, nil
}

func (c *Client) PatchPhoto(ctx context.Context, id string, patch dto.PhotoPatch) error {
	if err := c.send(ctx, http.MethodPatch, "/internal/photos/:id", "/internal/photos/"+url.PathEscape(id), patch); err != nil {
		return fmt.Errorf("patch photo %s: %w", id, err)
	}
	return nil
}

func (c *Client) PatchProcessingQueue(ctx context.Context, photoID string, patch dto.QueuePatch) error {
	if err := c.send(ctx, http.MethodPatch, "/internal/processing-queue/:photoId", "/internal/processing-queue/"+url.PathEscape(photoID), patch); err != nil {
		return fmt.Errorf("patch processing queue %s: %w", photoID, err)
	}
	return nil
}

func (c *Client) PostPhotoTag(ctx context.Context, tag dto.PhotoTag) error {
	if err := c.send(ctx, http.MethodPost, "/internal/photo-tags", "/internal/photo-tags", tag); err != nil {
		return fmt.Errorf("post photo tag for %s: %w", tag.PhotoID, err)
	}
	return nil
}

func (c *Client) PostFaceSample(ctx context.Context, sample dto.FaceSample) error {
	if err := c.send(ctx, http.MethodPost, "/internal/face-samples", "/internal/face-samples", sample); err != nil {
		return fmt.Errorf("post face sample %s: %w", sample.FaceEncodingID, err)
	}
	return nil
}

func (c *Client) PatchGuest(ctx context.Context, id string, patch dto.GuestPatch) error {
	if err := c.send(ctx, http.MethodPatch, "/internal/guests/:id", "/internal/guests/"+url.PathEscape(id), patch); err != nil {
		return fmt.Errorf("patch guest %s: %w", id, err)
	}
	return nil
}

func (c *Client) PatchUser(ctx context.Context, id string, patch dto.UserPatch) error {
	if err := c.send(ctx, http.MethodPatch, "/internal/users/:id", "/internal/users/"+url.PathEscape(id), patch); err != nil {
		return fmt.Errorf("patch user %s: %w", id, err)
	}
	return nil
}

func (c *Client) GetWeddingPhotoIDs(ctx context.Context, weddingID string) ([]string, error) {
	var out dto.WeddingPhotoIDs
	if err := c.get(ctx, "/internal/weddings/:id/photo-ids", "/internal/weddings/"+url.PathEscape(weddingID)+"/photo-ids", &out); err != nil {
		return nil, fmt.Errorf("get photo ids for wedding %s: %w", weddingID, err)
	}
	return out.PhotoIDs, nil
}

func (c *Client) GetGuestEncodings(ctx context.Context, weddingID string) ([]dto.GuestEncoding, error) {
	var out []dto.GuestEncoding
	if err := c.get(ctx, "/internal/weddings/:id/guest-encodings", "/internal/weddings/"+url.PathEscape(weddingID)+"/guest-encodings", &out); err != nil {
		return nil, fmt.Errorf("get guest encodings for wedding %s: %w", weddingID, err)
	}
	return out, nil
}

// Ping reports whether the breaker currently allows calls through. It makes
// no request; the record API has no health endpoint.
func (c *Client) Ping(context.Context) error {
	if c.cb.State() == gobreaker.StateOpen {
		return ErrUnavailable
	}
	return nil
}

func (c *Client) get(ctx context.Context, route, path string, out any) error {
	body, err := c.do(ctx, http.MethodGet, route, path, nil, c.readTimeout)
	if err != nil {
		return err
	}
	return decode(body, out)
}

func (c *Client) send(ctx context.Context, method, route, path string, in any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	_, err = c.do(ctx, method, route, path, payload, c.timeout)
	return err
}

func (c *Client) do(ctx context.Context, method, route, path string, payload []byte, timeout time.Duration) ([]byte, error) {
	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, route, path, payload, timeout)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, route, path string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(secretHeader, c.secret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordStoreDuration.WithLabelValues(method, route, "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	observability.RecordStoreDuration.WithLabelValues(method, route, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Method: method, Route: route, Status: resp.StatusCode, Body: truncate(strings.TrimSpace(string(body)), 256)}
	}
	return body, nil
}

// decode unmarshals body into out, unwrapping a {"data": ...} envelope when
// present.
func decode(body []byte, out any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		body = env.Data
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
