package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions configures an S3-compatible image bucket.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// MinioImageStorage stores expression images in MinIO/S3.
type MinioImageStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinioImageStorage connects to the bucket, creating it when missing.
func NewMinioImageStorage(ctx context.Context, opts MinioOptions) (*MinioImageStorage, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	bucket := strings.TrimSpace(opts.Bucket)
	if endpoint == "" || bucket == "" {
		return nil, errors.New("storage: minio endpoint and bucket are required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(opts.AccessKey), strings.TrimSpace(opts.SecretKey), ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(opts.PublicURL)
	if publicURL == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &MinioImageStorage{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Upload stores the image and returns its public URL.
func (s *MinioImageStorage) Upload(ctx context.Context, fileHeader *multipart.FileHeader, pathSegments ...string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("image storage not configured")
	}
	img, err := readImage(fileHeader, pathSegments)
	if err != nil {
		return "", err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err = s.client.PutObject(uploadCtx, s.bucket, img.objectName, bytes.NewReader(img.data), int64(len(img.data)), minio.PutObjectOptions{
		ContentType:  img.contentType,
		CacheControl: "public, max-age=604800",
	})
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return s.buildPublicURL(img.objectName), nil
}

// Remove deletes the object behind a URL returned by Upload. References
// outside the bucket are ignored.
func (s *MinioImageStorage) Remove(ctx context.Context, ref string) error {
	if s == nil || s.client == nil {
		return nil
	}
	objectName, ok := s.objectNameFromURL(ref)
	if !ok {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

func (s *MinioImageStorage) buildPublicURL(objectName string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, strings.TrimPrefix(objectName, "/"))
}

func (s *MinioImageStorage) objectNameFromURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	var candidate string
	switch {
	case strings.HasPrefix(trimmed, s.publicURL+"/"):
		candidate = strings.TrimPrefix(trimmed, s.publicURL)
	case strings.Contains(trimmed, "://"):
		target, err := url.Parse(trimmed)
		if err != nil {
			return "", false
		}
		base, err := url.Parse(s.publicURL)
		if err != nil || base.Host == "" || base.Host != target.Host {
			return "", false
		}
		candidate = target.Path
	default:
		candidate = trimmed
	}

	candidate = strings.TrimPrefix(candidate, "/")
	bucketPrefix := s.bucket + "/"
	if !strings.HasPrefix(candidate, bucketPrefix) {
		return "", false
	}
	candidate = strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(candidate, bucketPrefix)), "/")
	if candidate == "" {
		return "", false
	}
	return candidate, true
}
