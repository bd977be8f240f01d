package storage

import (
	"context"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/minio/minio-go/v7"
)

// KeyS3PresignTTL bounds the validity of presigned upload and download
// capabilities.
const KeyS3PresignTTL = "S3_PRESIGN_TTL"

var s3DirectDefaults = func() map[string]string {
	m := maps.Clone(s3Defaults)
	m[KeyS3PresignTTL] = "60s"
	return m
}()

// MinioDirectDriver never sees file bytes. Store issues a presigned POST
// policy for the identifier and Get a presigned GET URL; the client talks
// to the bucket itself.
type MinioDirectDriver struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	now    func() time.Time
}

func openMinioDirect(ctx context.Context, p Params) (Driver, error) {
	expiry, err := time.ParseDuration(p.Get(KeyS3PresignTTL))
	if err != nil || expiry <= 0 {
		return nil, fmt.Errorf("invalid %s %q", KeyS3PresignTTL, p.Get(KeyS3PresignTTL))
	}
	client, err := newMinioClient(ctx, p)
	if err != nil {
		return nil, err
	}
	return &MinioDirectDriver{
		client: client,
		bucket: p.Get(KeyS3Bucket),
		expiry: expiry,
		now:    time.Now,
	}, nil
}

func (s *MinioDirectDriver) Store(ctx context.Context, id string, r io.Reader) (*UploadTarget, error) {
	if r != nil {
		return nil, fmt.Errorf("stream %q through a direct driver: %w", id, ErrUnsupported)
	}

	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(s.bucket); err != nil {
		return nil, fmt.Errorf("post policy bucket: %w", err)
	}
	if err := policy.SetKey(id); err != nil {
		return nil, fmt.Errorf("post policy key: %w", err)
	}
	if err := policy.SetExpires(s.now().UTC().Add(s.expiry)); err != nil {
		return nil, fmt.Errorf("post policy expiry: %w", err)
	}

	u, fields, err := s.client.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("presign post %q: %w", id, err)
	}
	return &UploadTarget{URL: u.String(), Fields: fields}, nil
}

func (s *MinioDirectDriver) Get(ctx context.Context, id string) (*Object, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, id, s.expiry, nil)
	if err != nil {
		return nil, fmt.Errorf("presign get %q: %w", id, err)
	}
	return &Object{URL: u.String(), Size: -1}, nil
}

func (s *MinioDirectDriver) Delete(ctx context.Context, id string) error {
	return removeObject(ctx, s.client, s.bucket, id)
}

func (s *MinioDirectDriver) RequiredConfig() map[string]string {
	return maps.Clone(s3DirectDefaults)
}

func (s *MinioDirectDriver) Extern() bool { return true }
