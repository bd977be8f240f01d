package metadata

import (
	"context"
	"errors"
	"sync"
)

const subscriberBuffer = 64

var errIndexClosed = errors.New("metadata index closed")

// broadcaster fans expired keys out to Expirations subscribers for the
// indexes that detect expiry themselves (memory, postgres).
//
// publish blocks until a subscriber takes each key, so a burst of
// expirations is never dropped on a full buffer. Subscriber channels are
// closed only while sendMu is held, which keeps publish from sending on a
// closed channel.
type broadcaster struct {
	stop <-chan struct{}

	mu   sync.Mutex
	subs map[*subscription]struct{}

	sendMu sync.Mutex
}

type subscription struct {
	ch   chan string
	done chan struct{}
}

func newBroadcaster(stop <-chan struct{}) *broadcaster {
	return &broadcaster{stop: stop, subs: make(map[*subscription]struct{})}
}

func (b *broadcaster) subscribe(ctx context.Context) (<-chan string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.stop:
		return nil, errIndexClosed
	default:
	}

	s := &subscription{ch: make(chan string, subscriberBuffer), done: make(chan struct{})}
	b.subs[s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.stop:
		}
		close(s.done)
		b.remove(s)
	}()
	return s.ch, nil
}

func (b *broadcaster) remove(s *subscription) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (b *broadcaster) hasSubscribers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) > 0
}

func (b *broadcaster) snapshot() []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	return out
}

// publish hands keys to every live subscriber in order. It returns how many
// leading keys reached at least one subscriber. The remainder were not
// delivered because ctx ended or every subscriber went away, and the caller
// must keep them for a later sweep.
func (b *broadcaster) publish(ctx context.Context, keys []string) int {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	for i, k := range keys {
		delivered := false
		for _, s := range b.snapshot() {
			select {
			case <-s.done:
				continue
			default:
			}
			select {
			case s.ch <- k:
				delivered = true
			case <-s.done:
			case <-ctx.Done():
				return i
			}
		}
		if !delivered {
			return i
		}
	}
	return len(keys)
}

// stopContext returns a context cancelled when stop closes.
func stopContext(stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
