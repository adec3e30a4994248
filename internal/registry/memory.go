package registry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/duplicati/console-machineserver/internal/socket"
)

type rowKey struct {
	organizationID string
	clientID       string
}

// Memory is the in-process Store. The node uses it in every configuration
// (in_memory_client_list is not consulted), and tests use it as backing.
type Memory struct {
	mu        sync.Mutex
	clock     clock.Clock
	liveness  time.Duration
	retention time.Duration
	rows      map[rowKey]ClientRegistration
}

// NewMemory creates an in-memory store with the default windows.
func NewMemory() *Memory {
	return NewMemoryWithClock(clock.New(), DefaultLivenessWindow, DefaultRetention)
}

// NewMemoryWithClock creates an in-memory store with an injected clock.
func NewMemoryWithClock(clk clock.Clock, liveness, retention time.Duration) *Memory {
	return &Memory{
		clock:     clk,
		liveness:  liveness,
		retention: retention,
		rows:      make(map[rowKey]ClientRegistration),
	}
}

// Register creates or updates the row keyed by (organizationId, clientId).
func (m *Memory) Register(ctx context.Context, reg ClientRegistration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	key := rowKey{reg.OrganizationID, reg.ClientID}

	if existing, ok := m.rows[key]; ok {
		// Update fields, keep the original attach time.
		reg.ConnectedOn = existing.ConnectedOn
	} else {
		reg.ConnectedOn = now
	}
	reg.LastUpdatedOn = now
	m.rows[key] = reg
	return true, nil
}

// UpdateActivity bumps lastUpdatedOn; true iff the row exists.
func (m *Memory) UpdateActivity(ctx context.Context, clientID, organizationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rowKey{organizationID, clientID}
	row, ok := m.rows[key]
	if !ok {
		return false, nil
	}
	row.LastUpdatedOn = m.clock.Now()
	m.rows[key] = row
	return true, nil
}

// Deregister removes the row. Removing an absent row still returns true.
func (m *Memory) Deregister(ctx context.Context, connectionID, clientID, organizationID string, bytesReceived, bytesSent uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rowKey{organizationID, clientID}
	row, ok := m.rows[key]
	if !ok {
		return true, nil
	}
	// A newer stream may have re-registered the same client id; only the
	// owning connection removes the row.
	if connectionID != "" && row.ConnectionID != "" && row.ConnectionID != connectionID {
		return true, nil
	}
	delete(m.rows, key)
	return true, nil
}

// GetAgents returns the tenant's live agents.
func (m *Memory) GetAgents(ctx context.Context, organizationID string) ([]ClientRegistration, error) {
	return m.list(organizationID, socket.TypeAgent), nil
}

// GetPortals returns the tenant's live portals.
func (m *Memory) GetPortals(ctx context.Context, organizationID string) ([]ClientRegistration, error) {
	return m.list(organizationID, socket.TypePortal), nil
}

func (m *Memory) list(organizationID string, t socket.ClientType) []ClientRegistration {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.liveness)
	var out []ClientRegistration
	for key, row := range m.rows {
		if key.organizationID != organizationID || row.Type != t {
			continue
		}
		if row.LastUpdatedOn.Before(cutoff) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// PurgeStale removes rows past the retention window.
func (m *Memory) PurgeStale(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.retention)
	purged := 0
	for key, row := range m.rows {
		if row.LastUpdatedOn.Before(cutoff) {
			delete(m.rows, key)
			purged++
		}
	}
	return purged, nil
}
