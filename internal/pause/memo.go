package pause

import (
	"context"
	"sync"

	"github.com/replayio/devtools-sub013/internal/future"
)

// memo shares one lookup per key. The future is installed before the lookup
// starts, so concurrent callers wait on it instead of sending again. The
// lookup runs detached from the caller that started it; each caller waits
// with its own context. Failed lookups are dropped and can be retried.
type memo[K comparable, V any] struct {
	m map[K]*future.Future[V]
}

// do returns the memoized result for key. With force, a settled result is
// replaced by a new lookup; a lookup still in flight is joined.
func (m *memo[K, V]) do(ctx context.Context, mu *sync.Mutex, key K, force bool, fetch func(context.Context) (V, error)) (V, error) {
	mu.Lock()
	if m.m == nil {
		m.m = make(map[K]*future.Future[V])
	}
	f, ok := m.m[key]
	if ok && force && f.Settled() {
		ok = false
	}
	if !ok {
		f = future.New[V]()
		m.m[key] = f
	}
	mu.Unlock()

	if !ok {
		go func(ctx context.Context) {
			v, err := fetch(ctx)
			if err != nil {
				mu.Lock()
				if m.m[key] == f {
					delete(m.m, key)
				}
				mu.Unlock()
			}
			f.Settle(v, err)
		}(context.WithoutCancel(ctx))
	}
	return f.Wait(ctx)
}
