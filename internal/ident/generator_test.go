package ident

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filedrop/service/internal/metadata"
)

// sequence returns a Source that yields ids in order and then repeats the last.
func sequence(ids ...string) Source {
	var (
		mu sync.Mutex
		i  int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id, nil
	}
}

func newIndex(t *testing.T) *metadata.MemoryIndex {
	t.Helper()
	idx := metadata.NewMemoryIndex(time.Hour)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestUUIDv7_Format(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := UUIDv7()
		require.NoError(t, err)
		require.Regexp(t, re, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGenerator_NextReserves(t *testing.T) {
	idx := newIndex(t)
	g := NewGenerator(idx)

	id, err := g.Next(context.Background(), "report.pdf", time.Minute)
	require.NoError(t, err)

	e, err := idx.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", e.FileName)
}

func TestGenerator_RetriesOnCollision(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()
	_, err := idx.Reserve(ctx, "taken", "first.txt", time.Minute)
	require.NoError(t, err)

	collisions := 0
	g := NewGenerator(idx,
		WithSource(sequence("taken", "taken", "fresh")),
		WithCollisionHook(func() { collisions++ }),
	)

	id, err := g.Next(ctx, "second.txt", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fresh", id)
	assert.Equal(t, 2, collisions)

	e, err := idx.Get(ctx, "taken")
	require.NoError(t, err)
	assert.Equal(t, "first.txt", e.FileName, "collision must not overwrite the live entry")
}

func TestGenerator_ConcurrentRaceOnSameCandidate(t *testing.T) {
	idx := newIndex(t)

	var mu sync.Mutex
	calls := make(map[int]int) // per-goroutine call count
	source := func(worker int) Source {
		return func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls[worker]++
			if calls[worker] == 1 {
				return "contested", nil
			}
			return "alt-" + string(rune('a'+worker)), nil
		}
	}

	ids := make([]string, 2)
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			g := NewGenerator(idx, WithSource(source(w)))
			id, err := g.Next(context.Background(), "f", time.Minute)
			assert.NoError(t, err)
			ids[w] = id
		}(w)
	}
	wg.Wait()

	assert.NotEqual(t, ids[0], ids[1])
	assert.Contains(t, ids, "contested", "exactly one worker wins the contested candidate")
}

func TestGenerator_Exhausted(t *testing.T) {
	idx := newIndex(t)
	_, err := idx.Reserve(context.Background(), "taken", "x", time.Minute)
	require.NoError(t, err)

	g := NewGenerator(idx, WithSource(sequence("taken")), WithMaxAttempts(3))
	_, err = g.Next(context.Background(), "y", time.Minute)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestGenerator_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("source", func(t *testing.T) {
		g := NewGenerator(newIndex(t), WithSource(func() (string, error) { return "", boom }))
		_, err := g.Next(context.Background(), "f", time.Minute)
		require.ErrorIs(t, err, boom)
	})

	t.Run("index", func(t *testing.T) {
		g := NewGenerator(newIndex(t))
		_, err := g.Next(context.Background(), "f", 0)
		require.ErrorIs(t, err, metadata.ErrNoTTL)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		g := NewGenerator(newIndex(t))
		_, err := g.Next(ctx, "f", time.Minute)
		require.ErrorIs(t, err, context.Canceled)
	})
}
