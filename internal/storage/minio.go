package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/your-org/facetag/internal/config"
)

// S3Downloader reads objects from S3-compatible storage. One client is kept
// per region.
type S3Downloader struct {
	cfg config.S3Config

	mu      sync.Mutex
	clients map[string]*minio.Client
}

func NewS3Downloader(cfg config.S3Config) *S3Downloader {
	return &S3Downloader{cfg: cfg, clients: make(map[string]*minio.Client)}
}

func (d *S3Downloader) client(region string) (*minio.Client, error) {
	if region == "" {
		region = d.cfg.Region
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[region]; ok {
		return c, nil
	}

	endpoint := d.cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", region)
	}
	c, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(d.cfg.AccessKey, d.cfg.SecretKey, ""),
		Secure: !d.cfg.Insecure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	d.clients[region] = c
	return c, nil
}

// Download copies the object at loc into w and returns the bytes written.
func (d *S3Downloader) Download(ctx context.Context, loc S3Location, w io.Writer, limit int64) (int64, error) {
	c, err := d.client(loc.Region)
	if err != nil {
		return 0, err
	}

	obj, err := c.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("get object %s/%s: %w", loc.Bucket, loc.Key, err)
	}
	defer obj.Close()

	n, err := copyLimited(w, obj, limit)
	if err != nil {
		return n, fmt.Errorf("read object %s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return n, nil
}

// Ping checks connectivity against the configured bucket.
func (d *S3Downloader) Ping(ctx context.Context) error {
	if d.cfg.Bucket == "" {
		return nil
	}
	c, err := d.client("")
	if err != nil {
		return err
	}
	_, err = c.BucketExists(ctx, d.cfg.Bucket)
	return err
}
