// Package storage defines the byte store contract and its drivers.
//
// A driver either streams bytes through the service (mediated) or hands the
// client short-lived capabilities to talk to the backend itself (direct,
// Extern() == true). The transfer layer picks its flow from that flag.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when no object exists under the key.
	ErrNotFound = errors.New("object not found")
	// ErrUnsupported is returned when an operation does not match the
	// driver's mode, e.g. streaming bytes into a direct driver.
	ErrUnsupported = errors.New("operation not supported by storage driver")
	// ErrBucketMissing is returned at construction when the bucket does not exist.
	ErrBucketMissing = errors.New("bucket does not exist")
	// ErrUnknownDriver is returned by Lookup for unregistered names.
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// uploadChunkSize is the copy buffer used by mediated drivers.
const uploadChunkSize = 64 << 10

// UploadTarget describes a direct upload: the client POSTs a multipart form
// with Fields and the file to URL.
type UploadTarget struct {
	URL    string
	Fields map[string]string
}

// Object is the result of Get. Mediated drivers fill Body (and Size when
// known); direct drivers fill URL.
type Object struct {
	Body io.ReadCloser
	Size int64
	URL  string
}

// Driver is the byte store contract.
type Driver interface {
	// Store persists r under id (mediated) or returns an upload target for
	// id (direct, r must be nil).
	Store(ctx context.Context, id string, r io.Reader) (*UploadTarget, error)
	// Get opens the object (mediated) or presigns a download URL (direct).
	Get(ctx context.Context, id string) (*Object, error)
	// Delete removes the object. A missing object may yield ErrNotFound.
	Delete(ctx context.Context, id string) error
	// RequiredConfig lists the driver's parameters with their defaults.
	RequiredConfig() map[string]string
	// Extern reports whether clients transfer bytes directly to the backend.
	Extern() bool
}
