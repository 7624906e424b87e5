package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/your-org/facetag/internal/config"
)

// MaxObjectSize bounds a single download.
const MaxObjectSize = 64 << 20

var (
	ErrDownload = errors.New("download failed")
	errTooLarge = errors.New("object exceeds size limit")
)

// TempFile is a downloaded object on local disk. Release removes it.
type TempFile struct {
	Path string
	Size int64
}

func (t *TempFile) ReadAll() ([]byte, error) {
	return os.ReadFile(t.Path)
}

// Release removes the file. It is safe to call more than once.
func (t *TempFile) Release() {
	if t == nil || t.Path == "" {
		return
	}
	if err := os.Remove(t.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("remove temp file", "path", t.Path, "error", err)
	}
}

// Fetcher downloads image URLs to scoped temporary files. S3 URLs go through
// the S3 client when credentials are configured; everything else is fetched
// over plain HTTP.
type Fetcher struct {
	s3      *S3Downloader
	http    *http.Client
	tempDir string
	// timeout bounds a whole download on either transport.
	timeout time.Duration
}

func NewFetcher(cfg config.S3Config) *Fetcher {
	f := &Fetcher{http: &http.Client{}, timeout: cfg.DownloadTimeout}
	if cfg.HasCredentials() {
		f.s3 = NewS3Downloader(cfg)
	}
	return f
}

// NewHTTPFetcher returns a Fetcher that only uses the given HTTP client.
func NewHTTPFetcher(client *http.Client) *Fetcher {
	return &Fetcher{http: client}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*TempFile, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	tmp, err := os.CreateTemp(f.tempDir, "facetag-*"+extension(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: create temp file: %v", ErrDownload, err)
	}
	out := &TempFile{Path: tmp.Name()}

	var n int64
	if loc, ok := ParseS3URL(rawURL); ok && f.s3 != nil {
		n, err = f.s3.Download(ctx, loc, tmp, MaxObjectSize)
	} else {
		n, err = f.get(ctx, rawURL, tmp)
	}
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		out.Release()
		return nil, fmt.Errorf("%w: %s: %v", ErrDownload, redact(rawURL), err)
	}
	out.Size = n
	return out, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return copyLimited(w, resp.Body, MaxObjectSize)
}

// Ping checks the S3 backend when one is configured.
func (f *Fetcher) Ping(ctx context.Context) error {
	if f.s3 == nil {
		return nil
	}
	return f.s3.Ping(ctx)
}

func copyLimited(w io.Writer, r io.Reader, limit int64) (int64, error) {
	if limit <= 0 {
		return io.Copy(w, r)
	}
	n, err := io.Copy(w, io.LimitReader(r, limit+1))
	if err != nil {
		return n, err
	}
	if n > limit {
		return n, errTooLarge
	}
	return n, nil
}

func extension(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif", ".heic", ".bmp":
		return ext
	}
	return ".jpg"
}

// redact drops the query string, which may carry presigned credentials.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
