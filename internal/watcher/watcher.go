// Package watcher deletes stored bytes when their metadata expires.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/filedrop/service/internal/metadata"
	"github.com/filedrop/service/internal/metrics"
	"github.com/filedrop/service/internal/storage"
)

const (
	defaultDeleteTimeout = 30 * time.Second
	defaultRetryDelay    = time.Second
)

// Subscriber yields expired metadata keys.
type Subscriber interface {
	Expirations(ctx context.Context) (<-chan string, error)
}

// Deleter removes stored objects.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Watcher consumes expiry notifications and deletes the matching objects.
// It is the only path by which uploaded bytes are reclaimed.
type Watcher struct {
	index         Subscriber
	store         Deleter
	metrics       *metrics.Metrics
	deleteTimeout time.Duration
	retryDelay    time.Duration
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithRetryDelay sets the pause before resubscribing after the stream ends.
func WithRetryDelay(d time.Duration) Option {
	return func(w *Watcher) { w.retryDelay = d }
}

// WithDeleteTimeout bounds each delete call.
func WithDeleteTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.deleteTimeout = d }
}

// New creates a Watcher.
func New(index Subscriber, store Deleter, opts ...Option) *Watcher {
	w := &Watcher{
		index:         index,
		store:         store,
		deleteTimeout: defaultDeleteTimeout,
		retryDelay:    defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled. When the notification stream fails or
// closes it resubscribes after the retry delay.
func (w *Watcher) Run(ctx context.Context) error {
	log.Info().Msg("expiration watcher started")
	defer log.Info().Msg("expiration watcher stopped")

	for {
		ch, err := w.index.Expirations(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Dur("retry_in", w.retryDelay).Msg("subscribe to expirations failed")
		} else {
			w.metrics.SetWatcherSubscribed(true)
			w.consume(ctx, ch)
			w.metrics.SetWatcherSubscribed(false)
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Dur("retry_in", w.retryDelay).Msg("expiration stream closed, resubscribing")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.retryDelay):
		}
	}
}

func (w *Watcher) consume(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-ch:
			if !ok {
				return
			}
			w.handle(ctx, key)
		}
	}
}

// handle deletes the object for a primary key. Attribute keys carry no
// bytes and are ignored.
func (w *Watcher) handle(ctx context.Context, key string) {
	if metadata.IsAttributeKey(key) {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, w.deleteTimeout)
	defer cancel()

	err := w.store.Delete(dctx, key)
	switch {
	case err == nil:
		w.metrics.RecordExpiration("deleted")
		log.Debug().Str("id", key).Msg("expired file deleted")
	case errors.Is(err, storage.ErrNotFound):
		// Expected for direct uploads the client never completed.
		w.metrics.RecordExpiration("missing")
		log.Debug().Str("id", key).Msg("expired file was never stored")
	default:
		w.metrics.RecordExpiration("failed")
		log.Error().Err(err).Str("id", key).Msg("delete expired file failed")
	}
}
