package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisOptions configures a RedisIndex.
type RedisOptions struct {
	Host     string
	Port     string
	Password string
	DB       int
	// NotifyKeyspaceEvents enables expired-key notifications on the server at
	// startup. Managed deployments that forbid CONFIG must enable them there.
	NotifyKeyspaceEvents bool
}

// RedisIndex implements Index on Redis keys with native expiry. Expirations
// are read from the keyevent notification channel of the selected database.
type RedisIndex struct {
	client *redis.Client
	db     int
}

// NewRedisIndex connects to Redis and verifies the connection.
func NewRedisIndex(ctx context.Context, opts RedisOptions) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Host + ":" + opts.Port,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if opts.NotifyKeyspaceEvents {
		if err := client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("enable keyspace notifications: %w", err)
		}
	}
	log.Info().Str("addr", opts.Host+":"+opts.Port).Int("db", opts.DB).Msg("connected to redis")
	return &RedisIndex{client: client, db: opts.DB}, nil
}

func (r *RedisIndex) Reserve(ctx context.Context, id, fileName string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrNoTTL
	}
	ok, err := r.client.SetNX(ctx, id, fileName, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve %q: %w", id, err)
	}
	return ok, nil
}

func (r *RedisIndex) Get(ctx context.Context, id string) (*Entry, error) {
	pipe := r.client.Pipeline()
	name := pipe.Get(ctx, id)
	pttl := pipe.PTTL(ctx, id)
	ctype := pipe.Get(ctx, AttributeKey(id, AttrContentType))
	clen := pipe.Get(ctx, AttributeKey(id, AttrContentLength))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %q: %w", id, err)
	}

	fileName, err := name.Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", id, err)
	}

	e := &Entry{ID: id, FileName: fileName, ContentLength: -1}
	if d := pttl.Val(); d > 0 {
		e.ExpiresAt = time.Now().Add(d)
	}
	if v, err := ctype.Result(); err == nil {
		e.ContentType = v
	}
	if v, err := clen.Result(); err == nil {
		e.ContentLength = parseLength(v)
	}
	return e, nil
}

func (r *RedisIndex) SetAttribute(ctx context.Context, id string, attr Attribute, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrNoTTL
	}
	if err := r.client.Set(ctx, AttributeKey(id, attr), value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s of %q: %w", attr, id, err)
	}
	return nil
}

func (r *RedisIndex) Delete(ctx context.Context, id string) error {
	keys := append([]string{id}, attributeKeys(id)...)
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	return nil
}

func (r *RedisIndex) Expirations(ctx context.Context) (<-chan string, error) {
	pattern := fmt.Sprintf("__keyevent@%d__:expired", r.db)
	sub := r.client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	out := make(chan string, subscriberBuffer)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close() //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
