package storage

import (
	"net/url"
	"strings"
)

// S3Location identifies an object in S3.
type S3Location struct {
	Bucket string
	Key    string
	Region string
}

// ParseS3URL recognises virtual-hosted (bucket.s3[.region].amazonaws.com/key)
// and path-style (s3[.region].amazonaws.com/bucket/key) object URLs. Region is
// empty when the host does not name one.
func ParseS3URL(raw string) (S3Location, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return S3Location{}, false
	}
	host := strings.ToLower(u.Hostname())
	if !strings.HasSuffix(host, ".amazonaws.com") {
		return S3Location{}, false
	}
	host = strings.TrimSuffix(host, ".amazonaws.com")
	path := strings.TrimPrefix(u.Path, "/")

	// Path-style: s3.amazonaws.com or s3.<region>.amazonaws.com
	if host == "s3" || strings.HasPrefix(host, "s3.") {
		bucket, key, ok := strings.Cut(path, "/")
		if !ok || bucket == "" || key == "" {
			return S3Location{}, false
		}
		return S3Location{Bucket: bucket, Key: key, Region: strings.TrimPrefix(strings.TrimPrefix(host, "s3"), ".")}, true
	}

	// Virtual-hosted: <bucket>.s3.amazonaws.com or <bucket>.s3.<region>.amazonaws.com
	var bucket, region string
	if b, ok := strings.CutSuffix(host, ".s3"); ok {
		bucket = b
	} else if i := strings.LastIndex(host, ".s3."); i > 0 {
		bucket, region = host[:i], host[i+len(".s3."):]
	} else {
		return S3Location{}, false
	}
	if bucket == "" || path == "" {
		return S3Location{}, false
	}
	return S3Location{Bucket: bucket, Key: path, Region: region}, true
}
