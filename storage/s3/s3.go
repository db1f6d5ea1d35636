// Package s3 stores generated artifacts in S3-compatible object
// storage (AWS S3, Cloudflare R2, MinIO).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mediaforge/genrouter"
)

// Store uploads artifacts to a single bucket and returns public URLs.
type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

var _ genrouter.ArtifactStore = (*Store)(nil)

// Config holds the connection settings for an S3-compatible endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base URL artifacts are served from. Defaults to
	// the endpoint URL when empty.
	PublicURL string
}

// New connects to the endpoint and verifies the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: connect %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("s3: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("s3: bucket %s does not exist", cfg.Bucket)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// Put uploads the artifact under a user/date/request key and returns a
// reference with its public URL.
func (s *Store) Put(ctx context.Context, artifact genrouter.Artifact) (genrouter.ArtifactRef, error) {
	key := objectKey(artifact)

	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(artifact.Data), int64(len(artifact.Data)),
		minio.PutObjectOptions{ContentType: artifact.ContentType})
	if err != nil {
		return genrouter.ArtifactRef{}, fmt.Errorf("s3: put %s: %w", key, err)
	}

	return genrouter.ArtifactRef{
		Key: key,
		URL: s.publicURL + "/" + key,
	}, nil
}

func objectKey(artifact genrouter.Artifact) string {
	ext := extensionFor(artifact.ContentType)
	day := time.Now().UTC().Format("2006-01-02")
	user := artifact.UserID
	if user == "" {
		user = "anonymous"
	}
	return fmt.Sprintf("%s/%s/%s/%s%s", string(artifact.Mode), user, day, artifact.RequestID, ext)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	default:
		return ""
	}
}
