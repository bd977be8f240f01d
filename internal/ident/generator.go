// Package ident issues opaque file identifiers and reserves them in the
// metadata index.
package ident

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/filedrop/service/internal/metadata"
)

// DefaultMaxAttempts bounds the reservation loop. With 128-bit candidates a
// second attempt already means something is wrong with the source.
const DefaultMaxAttempts = 8

// ErrExhausted is returned when every candidate collided with a live identifier.
var ErrExhausted = errors.New("no free identifier after max attempts")

// Source produces identifier candidates.
type Source func() (string, error)

// UUIDv7 returns a candidate built from a millisecond timestamp and 74 random
// bits, rendered as 32 hex characters.
func UUIDv7() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new uuid: %w", err)
	}
	return hex.EncodeToString(u[:]), nil
}

// Reserver is the subset of metadata.Index the generator needs.
type Reserver interface {
	Reserve(ctx context.Context, id, fileName string, ttl time.Duration) (bool, error)
}

// Generator hands out identifiers that are reserved in the index on return.
type Generator struct {
	index       Reserver
	source      Source
	maxAttempts int
	onCollision func()
}

// Option customises a Generator.
type Option func(*Generator)

// WithSource replaces the candidate source.
func WithSource(s Source) Option {
	return func(g *Generator) { g.source = s }
}

// WithMaxAttempts sets the retry bound.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithCollisionHook registers a callback run on every collision.
func WithCollisionHook(fn func()) Option {
	return func(g *Generator) { g.onCollision = fn }
}

// NewGenerator creates a Generator reserving in index.
func NewGenerator(index Reserver, opts ...Option) *Generator {
	g := &Generator{
		index:       index,
		source:      UUIDv7,
		maxAttempts: DefaultMaxAttempts,
		onCollision: func() {},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next generates a candidate, reserves it with fileName for ttl and returns
// it. Collisions are retried with a fresh candidate.
func (g *Generator) Next(ctx context.Context, fileName string, ttl time.Duration) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		id, err := g.source()
		if err != nil {
			return "", err
		}

		ok, err := g.index.Reserve(ctx, id, fileName, ttl)
		if err != nil {
			return "", fmt.Errorf("reserve identifier: %w", err)
		}
		if ok {
			return id, nil
		}

		g.onCollision()
		log.Debug().Str("id", id).Int("attempt", attempt).Msg("identifier collision, retrying")
	}
	return "", ErrExhausted
}

var _ Reserver = metadata.Index(nil)
