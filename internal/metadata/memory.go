package metadata

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// MemoryIndex is a single-process Index. Expired keys are hidden from reads
// immediately and published to subscribers by a periodic sweep. While
// nobody subscribes the sweep leaves expired keys in place.
type MemoryIndex struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time

	events *broadcaster
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewMemoryIndex starts an in-memory index that sweeps every interval.
func NewMemoryIndex(interval time.Duration) *MemoryIndex {
	m := newMemoryIndex(time.Now)
	m.wg.Add(1)
	go m.sweepLoop(interval)
	return m
}

func newMemoryIndex(now func() time.Time) *MemoryIndex {
	stop := make(chan struct{})
	return &MemoryIndex{
		items:  make(map[string]memoryItem),
		now:    now,
		events: newBroadcaster(stop),
		stop:   stop,
	}
}

func (m *MemoryIndex) Reserve(_ context.Context, id, fileName string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrNoTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if it, ok := m.items[id]; ok && now.Before(it.expiresAt) {
		return false, nil
	}
	m.items[id] = memoryItem{value: fileName, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryIndex) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	primary, ok := m.items[id]
	if !ok || !now.Before(primary.expiresAt) {
		return nil, ErrNotFound
	}
	e := &Entry{ID: id, FileName: primary.value, ContentLength: -1, ExpiresAt: primary.expiresAt}
	if it, ok := m.items[AttributeKey(id, AttrContentType)]; ok && now.Before(it.expiresAt) {
		e.ContentType = it.value
	}
	if it, ok := m.items[AttributeKey(id, AttrContentLength)]; ok && now.Before(it.expiresAt) {
		e.ContentLength = parseLength(it.value)
	}
	return e, nil
}

func (m *MemoryIndex) SetAttribute(_ context.Context, id string, attr Attribute, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrNoTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[AttributeKey(id, attr)] = memoryItem{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	for _, k := range attributeKeys(id) {
		delete(m.items, k)
	}
	return nil
}

func (m *MemoryIndex) Expirations(ctx context.Context) (<-chan string, error) {
	return m.events.subscribe(ctx)
}

func (m *MemoryIndex) Close() error {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}

func (m *MemoryIndex) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ctx, cancel := stopContext(m.stop)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep removes expired keys and publishes them. Keys that could not be
// handed to a subscriber are put back so the next sweep retries them.
func (m *MemoryIndex) sweep(ctx context.Context) {
	if !m.events.hasSubscribers() {
		return
	}

	m.mu.Lock()
	now := m.now()
	removed := make(map[string]memoryItem)
	var keys []string
	for k, it := range m.items {
		if now.Before(it.expiresAt) {
			continue
		}
		removed[k] = it
		keys = append(keys, k)
		delete(m.items, k)
	}
	m.mu.Unlock()

	n := m.events.publish(ctx, keys)
	if n == len(keys) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys[n:] {
		if _, ok := m.items[k]; !ok {
			m.items[k] = removed[k]
		}
	}
}

func parseLength(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
