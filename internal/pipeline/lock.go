package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"

	"slabscan/internal/services"
)

// keyedLock serializes work over overlapping key sets. Keys are taken in
// sorted order so two holders can never wait on each other.
type keyedLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: make(map[string]chan struct{})}
}

// acquire blocks until every key is held or ctx ends. The returned release
// must be called exactly once.
func (l *keyedLock) acquire(ctx context.Context, keys []string) (func(), error) {
	sorted := uniqueSorted(keys)
	taken := make([]string, 0, len(sorted))
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for _, key := range taken {
			if ch, ok := l.held[key]; ok {
				close(ch)
				delete(l.held, key)
			}
		}
	}

	for _, key := range sorted {
		for {
			l.mu.Lock()
			wait, busy := l.held[key]
			if !busy {
				l.held[key] = make(chan struct{})
				l.mu.Unlock()
				taken = append(taken, key)
				break
			}
			l.mu.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				release()
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, services.Wrap(services.ErrTimeout, "pipeline", "lock", "waiting for overlapping operation", ctx.Err())
				}
				return nil, ctx.Err()
			}
		}
	}
	return release, nil
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok || key == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
