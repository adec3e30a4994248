// Package pending correlates control requests with their eventual
// responses across the relay fabric.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/metrics"
)

// Key identifies one outstanding request. Keys are tenant-scoped so a
// client id colliding across tenants can never complete the wrong waiter.
func Key(organizationID, clientID, messageID string) string {
	return organizationID + ":" + clientID + ":" + messageID
}

// waiter is a single-shot suspender. The channel is buffered so Complete
// never runs a continuation while holding the store lock.
type waiter struct {
	ch     chan *envelope.ControlResponse
	cancel context.CancelFunc
}

// Store tracks outstanding request/response correlations.
type Store struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	stats   *metrics.Metrics
}

// NewStore creates an empty correlation store.
func NewStore(stats *metrics.Metrics) *Store {
	return &Store{
		waiters: make(map[string]*waiter),
		stats:   stats,
	}
}

// Prepare registers a waiter under the key and returns a context bounded
// by the deadline plus the channel the response will arrive on. The entry
// removes itself when the context ends, whether by deadline, by parent
// cancellation, or after delivery.
func (s *Store) Prepare(ctx context.Context, key string, deadline time.Duration) (context.Context, <-chan *envelope.ControlResponse, error) {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)

	w := &waiter{
		ch:     make(chan *envelope.ControlResponse, 1),
		cancel: cancel,
	}

	s.mu.Lock()
	if _, exists := s.waiters[key]; exists {
		s.mu.Unlock()
		cancel()
		return nil, nil, fmt.Errorf("duplicate pending key %s", key)
	}
	s.waiters[key] = w
	s.mu.Unlock()
	s.stats.PendingResponses.Inc()

	// Cancellation removes the entry even if Complete is never called.
	go func() {
		<-waitCtx.Done()
		s.remove(key)
	}()

	return waitCtx, w.ch, nil
}

// Complete delivers the response to the waiter registered under the key.
// Delivery is at most once: a duplicate Complete, or a Complete after the
// waiter was cancelled, is a no-op returning false.
func (s *Store) Complete(key string, resp *envelope.ControlResponse) bool {
	s.mu.Lock()
	w, ok := s.waiters[key]
	if ok {
		delete(s.waiters, key)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	// The buffer guarantees this never blocks and the waiter resumes on
	// its own goroutine, not under our lock.
	w.ch <- resp
	w.cancel()
	s.stats.PendingResponses.Dec()
	return true
}

// Await blocks until the response arrives or the wait context ends.
// Complete cancels the wait context right after delivery, so a response
// already sitting in the buffer wins over the cancellation.
func Await(ctx context.Context, ch <-chan *envelope.ControlResponse) (*envelope.ControlResponse, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		select {
		case resp := <-ch:
			return resp, nil
		default:
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of outstanding waiters.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// remove drops a waiter that ended without completion.
func (s *Store) remove(key string) {
	s.mu.Lock()
	_, ok := s.waiters[key]
	if ok {
		delete(s.waiters, key)
	}
	s.mu.Unlock()
	if ok {
		s.stats.PendingResponses.Dec()
	}
}
