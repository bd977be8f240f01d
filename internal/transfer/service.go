// Package transfer coordinates uploads and downloads across the metadata
// index, the identifier generator and the byte store.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/filedrop/service/internal/ident"
	"github.com/filedrop/service/internal/metadata"
	"github.com/filedrop/service/internal/metrics"
	"github.com/filedrop/service/internal/storage"
)

var (
	// ErrNotFound is returned for identifiers that are absent or expired.
	ErrNotFound = errors.New("file does not exist")
	// ErrUnsupported is returned when the requested flow does not match the
	// deployment's storage mode.
	ErrUnsupported = errors.New("operation not supported in this storage mode")
	// ErrMissingBody is returned for a mediated upload without a file.
	ErrMissingBody = errors.New("upload has no file body")
)

const (
	defaultFileName    = "name"
	defaultContentType = "application/octet-stream"
	cleanupTimeout     = 5 * time.Second
)

// Policy holds the lifetimes applied to new uploads.
type Policy struct {
	// FileTTL is the lifetime of the primary entry.
	FileTTL time.Duration
	// AttributeTTL is the lifetime of content type and length. It must not
	// be shorter than FileTTL so an in-flight download can still read them.
	AttributeTTL time.Duration
}

// DefaultPolicy keeps files for ten minutes.
var DefaultPolicy = Policy{
	FileTTL:      10 * time.Minute,
	AttributeTTL: 10*time.Minute + 10*time.Second,
}

// UploadRequest is a mediated upload.
type UploadRequest struct {
	FileName    string
	ContentType string
	// ContentLength is the declared size, or -1 when unknown. The stored
	// length is corrected to the number of bytes actually read.
	ContentLength int64
	Body          io.Reader
}

// DirectUpload is the capability returned for a direct upload.
type DirectUpload struct {
	ID       string
	FileName string
	URL      string
	Fields   map[string]string
}

// Download is an open mediated download. Size is -1 when unknown.
type Download struct {
	Entry *metadata.Entry
	Body  io.ReadCloser
	Size  int64
}

// Service is the transfer orchestrator.
type Service struct {
	index   metadata.Index
	ids     *ident.Generator
	store   storage.Driver
	policy  Policy
	metrics *metrics.Metrics
}

// NewService creates a Service. AttributeTTL is raised to FileTTL if needed.
func NewService(index metadata.Index, ids *ident.Generator, store storage.Driver, policy Policy, m *metrics.Metrics) *Service {
	if policy.AttributeTTL < policy.FileTTL {
		policy.AttributeTTL = policy.FileTTL
	}
	return &Service{index: index, ids: ids, store: store, policy: policy, metrics: m}
}

// Extern reports whether the deployment uses the direct flow.
func (s *Service) Extern() bool {
	return s.store.Extern()
}

// Upload reserves an identifier and streams req.Body into the store.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (string, error) {
	if s.store.Extern() {
		return "", ErrUnsupported
	}
	if req.Body == nil {
		return "", ErrMissingBody
	}
	if req.FileName == "" {
		req.FileName = defaultFileName
	}
	if req.ContentType == "" {
		req.ContentType = defaultContentType
	}

	id, err := s.ids.Next(ctx, req.FileName, s.policy.FileTTL)
	if err != nil {
		s.metrics.RecordUpload(false, "error", 0)
		return "", fmt.Errorf("issue identifier: %w", err)
	}

	if err := s.setAttributes(ctx, id, req.ContentType, req.ContentLength); err != nil {
		s.abandon(id)
		s.metrics.RecordUpload(false, "error", 0)
		return "", err
	}

	body := &countingReader{r: req.Body}
	if _, err := s.store.Store(ctx, id, body); err != nil {
		s.abandon(id)
		s.metrics.RecordUpload(false, "error", 0)
		return "", fmt.Errorf("store %s: %w", id, err)
	}

	if body.n != req.ContentLength {
		if err := s.index.SetAttribute(ctx, id, metadata.AttrContentLength, strconv.FormatInt(body.n, 10), s.policy.AttributeTTL); err != nil {
			s.abandon(id)
			s.metrics.RecordUpload(false, "error", 0)
			return "", fmt.Errorf("record length of %s: %w", id, err)
		}
	}

	s.metrics.RecordUpload(false, "ok", body.n)
	log.Info().Str("id", id).Str("file", req.FileName).Int64("bytes", body.n).Msg("file uploaded")
	return id, nil
}

func (s *Service) setAttributes(ctx context.Context, id, contentType string, length int64) error {
	if err := s.index.SetAttribute(ctx, id, metadata.AttrContentType, contentType, s.policy.AttributeTTL); err != nil {
		return fmt.Errorf("record content type of %s: %w", id, err)
	}
	if err := s.index.SetAttribute(ctx, id, metadata.AttrContentLength, strconv.FormatInt(length, 10), s.policy.AttributeTTL); err != nil {
		return fmt.Errorf("record length of %s: %w", id, err)
	}
	return nil
}

// InitUpload reserves an identifier for displayName and returns the direct
// upload capability. The service never learns whether the client used it.
func (s *Service) InitUpload(ctx context.Context, displayName string) (*DirectUpload, error) {
	if !s.store.Extern() {
		return nil, ErrUnsupported
	}
	if displayName == "" {
		displayName = defaultFileName
	}

	id, err := s.ids.Next(ctx, displayName, s.policy.FileTTL)
	if err != nil {
		s.metrics.RecordUpload(true, "error", 0)
		return nil, fmt.Errorf("issue identifier: %w", err)
	}

	target, err := s.store.Store(ctx, id, nil)
	if err != nil {
		s.abandon(id)
		s.metrics.RecordUpload(true, "error", 0)
		return nil, fmt.Errorf("issue upload target for %s: %w", id, err)
	}
	if target == nil {
		s.abandon(id)
		return nil, fmt.Errorf("driver returned no upload target for %s", id)
	}

	s.metrics.RecordUpload(true, "ok", 0)
	log.Info().Str("id", id).Str("file", displayName).Msg("direct upload issued")
	return &DirectUpload{ID: id, FileName: displayName, URL: target.URL, Fields: target.Fields}, nil
}

// Resolve returns the metadata for id.
func (s *Service) Resolve(ctx context.Context, id string) (*metadata.Entry, error) {
	e, err := s.index.Get(ctx, id)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	return e, nil
}

// Open resolves id and opens its bytes. The caller closes Body.
func (s *Service) Open(ctx context.Context, id string) (*Download, error) {
	if s.store.Extern() {
		return nil, ErrUnsupported
	}
	e, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	obj, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}

	size := e.ContentLength
	if size < 0 {
		size = obj.Size
	}
	return &Download{Entry: e, Body: obj.Body, Size: size}, nil
}

// DownloadURL resolves id and returns a short-lived URL for the object.
func (s *Service) DownloadURL(ctx context.Context, id string) (string, error) {
	if !s.store.Extern() {
		return "", ErrUnsupported
	}
	if _, err := s.Resolve(ctx, id); err != nil {
		return "", err
	}

	obj, err := s.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", id, err)
	}
	return obj.URL, nil
}

// abandon removes a reservation whose upload failed. It runs detached from
// the request context, which is usually what failed.
func (s *Service) abandon(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.index.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("release reservation failed")
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
