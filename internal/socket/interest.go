package socket

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultInterestTTL is how long a proxied (tenant, client) pair stays
	// relevant for return-path routing.
	DefaultInterestTTL = 5 * time.Minute

	// interestCleanupThreshold is the map size below which lazy cleanup is
	// skipped entirely.
	interestCleanupThreshold = 25
)

type interestKey struct {
	organizationID string
	clientID       string
}

// InterestMap is a short-TTL set of (tenant, client) pairs a gateway
// connection has proxied through. Return-path routing consults it
// to decide which gateway peer should carry a message.
//
// Cleanup is best-effort: expired entries are swept only when the map has
// grown to the threshold and at least one TTL has elapsed since the last
// sweep. Contains never returns an expired entry regardless.
type InterestMap struct {
	mu          sync.Mutex
	clock       clock.Clock
	ttl         time.Duration
	entries     map[interestKey]time.Time
	lastCleanup time.Time
}

// NewInterestMap creates an interest map with the default TTL.
func NewInterestMap() *InterestMap {
	return NewInterestMapWithClock(clock.New(), DefaultInterestTTL)
}

// NewInterestMapWithClock creates an interest map with an injected clock,
// used by tests to step through TTL windows.
func NewInterestMapWithClock(clk clock.Clock, ttl time.Duration) *InterestMap {
	return &InterestMap{
		clock:       clk,
		ttl:         ttl,
		entries:     make(map[interestKey]time.Time),
		lastCleanup: clk.Now(),
	}
}

// Mark records that this peer has carried traffic for the pair.
func (m *InterestMap) Mark(organizationID, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.entries[interestKey{organizationID, clientID}] = now
	m.maybeCleanup(now)
}

// Contains reports whether the pair was marked within the TTL.
func (m *InterestMap) Contains(organizationID, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	marked, ok := m.entries[interestKey{organizationID, clientID}]
	if !ok {
		return false
	}
	return m.clock.Now().Sub(marked) < m.ttl
}

// Len returns the current entry count, expired entries included.
func (m *InterestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// maybeCleanup sweeps expired entries. Caller holds m.mu.
func (m *InterestMap) maybeCleanup(now time.Time) {
	if len(m.entries) < interestCleanupThreshold {
		return
	}
	if now.Sub(m.lastCleanup) < m.ttl {
		return
	}
	for key, marked := range m.entries {
		if now.Sub(marked) >= m.ttl {
			delete(m.entries, key)
		}
	}
	m.lastCleanup = now
}
