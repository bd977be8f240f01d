package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	sweepBatch   = 500
	sweepTimeout = 30 * time.Second
)

// PostgresIndex implements Index on the file_metadata table. Postgres has no
// native key expiry, so reads ignore rows past expires_at and a sweeper
// deletes them and publishes their keys. Each batch is deleted in a
// transaction that commits only once every key reached a subscriber, and
// SKIP LOCKED hands each row to one sweeper when replicas share the table.
type PostgresIndex struct {
	db       *pgxpool.Pool
	interval time.Duration

	events *broadcaster
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPostgresIndex starts the sweeper on pool. The schema is expected to be
// migrated already (see db.Open).
func NewPostgresIndex(pool *pgxpool.Pool, sweepInterval time.Duration) *PostgresIndex {
	stop := make(chan struct{})
	p := &PostgresIndex{
		db:       pool,
		interval: sweepInterval,
		events:   newBroadcaster(stop),
		stop:     stop,
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Reserve inserts id, or takes over a row that expired but was not swept yet.
func (p *PostgresIndex) Reserve(ctx context.Context, id, fileName string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrNoTTL
	}
	tag, err := p.db.Exec(ctx,
		`INSERT INTO file_metadata (key, value, expires_at)
		 VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		 WHERE file_metadata.expires_at <= NOW()`,
		id, fileName, ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("reserve %q: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresIndex) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := p.db.Query(ctx,
		`SELECT key, value, expires_at FROM file_metadata
		 WHERE key = ANY($1) AND expires_at > NOW()`,
		append([]string{id}, attributeKeys(id)...),
	)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", id, err)
	}
	defer rows.Close()

	var (
		e     = &Entry{ID: id, ContentLength: -1}
		found bool
	)
	for rows.Next() {
		var (
			key, value string
			expiresAt  time.Time
		)
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan %q: %w", id, err)
		}
		switch key {
		case id:
			e.FileName = value
			e.ExpiresAt = expiresAt
			found = true
		case AttributeKey(id, AttrContentType):
			e.ContentType = value
		case AttributeKey(id, AttrContentLength):
			e.ContentLength = parseLength(value)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get %q: %w", id, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return e, nil
}

func (p *PostgresIndex) SetAttribute(ctx context.Context, id string, attr Attribute, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrNoTTL
	}
	_, err := p.db.Exec(ctx,
		`INSERT INTO file_metadata (key, value, expires_at)
		 VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		AttributeKey(id, attr), value, ttl.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("set %s of %q: %w", attr, id, err)
	}
	return nil
}

func (p *PostgresIndex) Delete(ctx context.Context, id string) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM file_metadata WHERE key = ANY($1)`,
		append([]string{id}, attributeKeys(id)...),
	)
	if err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	return nil
}

func (p *PostgresIndex) Expirations(ctx context.Context) (<-chan string, error) {
	return p.events.subscribe(ctx)
}

// Close stops the sweeper and cancels a sweep in progress. The pool belongs
// to the caller.
func (p *PostgresIndex) Close() error {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
	return nil
}

func (p *PostgresIndex) sweepLoop() {
	defer p.wg.Done()
	ctx, cancel := stopContext(p.stop)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.sweep(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("metadata sweep failed")
			}
		}
	}
}

// sweep drains expired rows batch by batch. Rows stay in the table while
// nobody subscribes, so expirations are not lost between subscriptions.
func (p *PostgresIndex) sweep(ctx context.Context) error {
	for p.events.hasSubscribers() {
		n, err := p.sweepOnce(ctx)
		if err != nil {
			return err
		}
		if n < sweepBatch {
			return nil
		}
	}
	return nil
}

func (p *PostgresIndex) sweepOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`DELETE FROM file_metadata WHERE key IN (
			SELECT key FROM file_metadata
			WHERE expires_at <= NOW()
			ORDER BY expires_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) RETURNING key`,
		sweepBatch,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("collect expired keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if n := p.events.publish(ctx, keys); n < len(keys) {
		return 0, fmt.Errorf("%d of %d expired keys undelivered, batch kept", len(keys)-n, len(keys))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}
	return len(keys), nil
}
