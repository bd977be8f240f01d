// Package metadata stores the TTL-bound mapping from file identifiers to their
// display attributes and reports keys as they expire.
package metadata

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when an identifier is absent or already expired.
var ErrNotFound = errors.New("metadata entry not found")

// ErrNoTTL is returned when an entry would be written without a finite TTL.
var ErrNoTTL = errors.New("metadata entries require a positive ttl")

// Attribute names a secondary value stored next to a primary entry.
type Attribute string

const (
	AttrContentType   Attribute = "t"
	AttrContentLength Attribute = "l"
)

// Entry is the resolved view of an identifier's metadata.
type Entry struct {
	ID            string    `json:"id"`
	FileName      string    `json:"fileName"`
	ContentType   string    `json:"contentType,omitempty"`
	ContentLength int64     `json:"contentLength"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Index is a key-value store with per-key expiry.
//
// Reserve is the only operation that must be atomic across concurrent
// callers; every other operation touches a single identifier owned by the
// request that reserved it.
type Index interface {
	// Reserve creates the primary entry for id only if it is absent.
	// It reports false when id is already live.
	Reserve(ctx context.Context, id, fileName string, ttl time.Duration) (bool, error)
	// Get resolves id. It returns ErrNotFound when the primary entry is gone.
	Get(ctx context.Context, id string) (*Entry, error)
	// SetAttribute stores a secondary attribute with its own ttl.
	SetAttribute(ctx context.Context, id string, attr Attribute, value string, ttl time.Duration) error
	// Delete removes the primary entry and its attributes immediately.
	Delete(ctx context.Context, id string) error
	// Expirations streams the names of keys whose ttl elapsed. Delivery is
	// best-effort. The channel is closed when ctx ends or the index closes.
	Expirations(ctx context.Context) (<-chan string, error)
	Close() error
}

// AttributeKey returns the storage key of attr for id.
func AttributeKey(id string, attr Attribute) string {
	return id + "-" + string(attr)
}

// IsAttributeKey reports whether key names a secondary attribute rather than
// a primary identifier.
func IsAttributeKey(key string) bool {
	return strings.HasSuffix(key, "-"+string(AttrContentType)) ||
		strings.HasSuffix(key, "-"+string(AttrContentLength))
}

func attributeKeys(id string) []string {
	return []string{AttributeKey(id, AttrContentType), AttributeKey(id, AttrContentLength)}
}
