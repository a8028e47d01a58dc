package calendar

import (
	"context"
	"sync"
)

// keyLock serializes work per key while letting distinct keys proceed in
// parallel. Waiters give up when their context ends.
type keyLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func (k *keyLock) lock(ctx context.Context, key string) (func(), error) {
	for {
		k.mu.Lock()
		if k.held == nil {
			k.held = make(map[string]chan struct{})
		}
		done, busy := k.held[key]
		if !busy {
			done = make(chan struct{})
			k.held[key] = done
			k.mu.Unlock()
			return func() {
				k.mu.Lock()
				delete(k.held, key)
				k.mu.Unlock()
				close(done)
			}, nil
		}
		k.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
