package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisIndex(t *testing.T) (*RedisIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	idx, err := NewRedisIndex(context.Background(), RedisOptions{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, mr
}

func TestRedisIndex_ReserveIsSetIfAbsent(t *testing.T) {
	idx, mr := newTestRedisIndex(t)
	ctx := context.Background()

	ok, err := idx.Reserve(ctx, "abc", "report.pdf", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = idx.Reserve(ctx, "abc", "other.pdf", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 10*time.Minute, mr.TTL("abc"))
	got, err := mr.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", got)
}

func TestRedisIndex_GetResolvesAttributes(t *testing.T) {
	idx, _ := newTestRedisIndex(t)
	ctx := context.Background()

	_, err := idx.Reserve(ctx, "abc", "report.pdf", 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, idx.SetAttribute(ctx, "abc", AttrContentType, "application/pdf", 610*time.Second))
	require.NoError(t, idx.SetAttribute(ctx, "abc", AttrContentLength, "1024", 610*time.Second))

	e, err := idx.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", e.FileName)
	assert.Equal(t, "application/pdf", e.ContentType)
	assert.Equal(t, int64(1024), e.ContentLength)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), e.ExpiresAt, 5*time.Second)
}

func TestRedisIndex_GetWithoutAttributes(t *testing.T) {
	idx, _ := newTestRedisIndex(t)
	ctx := context.Background()

	_, err := idx.Reserve(ctx, "abc", "photo.png", time.Minute)
	require.NoError(t, err)

	e, err := idx.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "photo.png", e.FileName)
	assert.Empty(t, e.ContentType)
	assert.Equal(t, int64(-1), e.ContentLength)
}

func TestRedisIndex_ExpiredPrimaryIsNotFound(t *testing.T) {
	idx, mr := newTestRedisIndex(t)
	ctx := context.Background()

	_, err := idx.Reserve(ctx, "abc", "report.pdf", 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, idx.SetAttribute(ctx, "abc", AttrContentType, "application/pdf", 610*time.Second))

	mr.FastForward(10 * time.Minute)

	_, err = idx.Get(ctx, "abc")
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, mr.Exists("abc-t"), "attributes outlive the primary key")
}

func TestRedisIndex_Delete(t *testing.T) {
	idx, mr := newTestRedisIndex(t)
	ctx := context.Background()

	_, err := idx.Reserve(ctx, "abc", "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, idx.SetAttribute(ctx, "abc", AttrContentLength, "3", time.Minute))
	require.NoError(t, idx.Delete(ctx, "abc"))

	assert.False(t, mr.Exists("abc"))
	assert.False(t, mr.Exists("abc-l"))
	require.NoError(t, idx.Delete(ctx, "missing"))
}

func TestRedisIndex_RejectsMissingTTL(t *testing.T) {
	idx, _ := newTestRedisIndex(t)

	_, err := idx.Reserve(context.Background(), "abc", "a", 0)
	require.ErrorIs(t, err, ErrNoTTL)
}

func TestRedisIndex_ExpirationsFromKeyeventChannel(t *testing.T) {
	idx, mr := newTestRedisIndex(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := idx.Expirations(ctx)
	require.NoError(t, err)

	mr.Publish("__keyevent@0__:expired", "abc")
	mr.Publish("__keyevent@0__:expired", "abc-t")

	for _, want := range []string{"abc", "abc-t"} {
		select {
		case got := <-ch:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("no notification for %s", want)
		}
	}

	cancel()
	requireClosed(t, ch)
}

func TestNewRedisIndex_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisIndex(ctx, RedisOptions{Host: "127.0.0.1", Port: "1"})
	require.Error(t, err)
}
