package storage

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// Parameters shared by the S3 drivers. Any S3-compatible provider works
// (MinIO, ArvanCloud, AWS S3).
const (
	KeyS3AccessKey    = "S3_ACCESS_KEY"
	KeyS3SecretKey    = "S3_SECRET_KEY"
	KeyS3Region       = "S3_REGION"
	KeyS3Endpoint     = "S3_ENDPOINT"
	KeyS3Bucket       = "S3_BUCKET"
	KeyS3UseSSL       = "S3_USE_SSL"
	KeyS3CreateBucket = "S3_CREATE_BUCKET"
)

var s3Defaults = map[string]string{
	KeyS3AccessKey:    "",
	KeyS3SecretKey:    "",
	KeyS3Region:       "",
	KeyS3Endpoint:     "localhost:9000",
	KeyS3Bucket:       "file-transfer",
	KeyS3UseSSL:       "false",
	KeyS3CreateBucket: "false",
}

// MinioDriver is a mediated driver that streams objects to and from an
// S3-compatible bucket.
type MinioDriver struct {
	client *minio.Client
	bucket string
}

func openMinio(ctx context.Context, p Params) (Driver, error) {
	client, err := newMinioClient(ctx, p)
	if err != nil {
		return nil, err
	}
	return &MinioDriver{client: client, bucket: p.Get(KeyS3Bucket)}, nil
}

// newMinioClient creates the client and makes sure the bucket is reachable.
// A missing bucket is created only when S3_CREATE_BUCKET is set.
func newMinioClient(ctx context.Context, p Params) (*minio.Client, error) {
	host, secure, err := parseEndpoint(p.Get(KeyS3Endpoint), p.Bool(KeyS3UseSSL))
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(p.Get(KeyS3AccessKey), p.Get(KeyS3SecretKey), ""),
		Secure: secure,
		Region: p.Get(KeyS3Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	bucket := p.Get(KeyS3Bucket)
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	if !exists {
		if !p.Bool(KeyS3CreateBucket) {
			return nil, fmt.Errorf("%w: %q", ErrBucketMissing, bucket)
		}
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: p.Get(KeyS3Region)}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
		}
		log.Info().Str("bucket", bucket).Msg("storage: created bucket")
	}

	log.Info().Str("endpoint", host).Str("bucket", bucket).Msg("storage: connected to object store")
	return client, nil
}

// Store streams r to the bucket. The size is not known up front, so the
// client uploads in parts until r is exhausted.
func (s *MinioDriver) Store(ctx context.Context, id string, r io.Reader) (*UploadTarget, error) {
	if r == nil {
		return nil, fmt.Errorf("store %q without a body: %w", id, ErrUnsupported)
	}
	_, err := s.client.PutObject(ctx, s.bucket, id, r, -1, minio.PutObjectOptions{
		PartSize: 5 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("put object %q: %w", id, err)
	}
	return nil, nil
}

func (s *MinioDriver) Get(ctx context.Context, id string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", id, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, mapMinioErr("stat object", id, err)
	}
	return &Object{Body: obj, Size: info.Size}, nil
}

func (s *MinioDriver) Delete(ctx context.Context, id string) error {
	return removeObject(ctx, s.client, s.bucket, id)
}

func (s *MinioDriver) RequiredConfig() map[string]string {
	return maps.Clone(s3Defaults)
}

func (s *MinioDriver) Extern() bool { return false }

func removeObject(ctx context.Context, client *minio.Client, bucket, id string) error {
	if err := client.RemoveObject(ctx, bucket, id, minio.RemoveObjectOptions{}); err != nil {
		return mapMinioErr("remove object", id, err)
	}
	return nil
}

func mapMinioErr(op, id string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s %q: %w", op, id, ErrNotFound)
	}
	return fmt.Errorf("%s %q: %w", op, id, err)
}

// parseEndpoint accepts either host:port or a URL. A URL scheme overrides
// useSSL.
func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	if !strings.Contains(raw, "://") {
		return strings.TrimRight(raw, "/"), useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse %s: %w", KeyS3Endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("parse %s: missing host in %q", KeyS3Endpoint, raw)
	}
	return u.Host, u.Scheme == "https", nil
}
