package inbound

import (
	"context"
	"sync"
)

// keySerializer runs functions one at a time per key while keys proceed
// independently. Each key holds a chain of completion channels; a caller
// appends itself to the chain and waits for its predecessor, which gives
// strict arrival order within a key. Idle keys leave no state behind.
type keySerializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newKeySerializer() *keySerializer {
	return &keySerializer{tails: map[string]chan struct{}{}}
}

// Do runs fn after all previously submitted functions for the same key
// have finished. The predecessor wait is not interruptible; ctx is only
// consulted before fn runs, so a cancelled caller still releases its
// successors in order.
func (s *keySerializer) Do(ctx context.Context, key string, fn func() error) error {
	done := make(chan struct{})

	s.mu.Lock()
	prev := s.tails[key]
	s.tails[key] = done
	s.mu.Unlock()

	defer func() {
		close(done)
		s.mu.Lock()
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}()

	if prev != nil {
		<-prev
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
