// Package registry tracks which tenants' clients are attached where.
package registry

import (
	"context"
	"time"

	"github.com/duplicati/console-machineserver/internal/socket"
)

const (
	// DefaultLivenessWindow excludes rows not refreshed within it from
	// list results.
	DefaultLivenessWindow = 5 * time.Minute

	// DefaultRetention is how long a row survives before the daily purge
	// removes it.
	DefaultRetention = 24 * time.Hour
)

// ClientRegistration is one row of the tenant registry.
type ClientRegistration struct {
	ClientID              string            `json:"clientId"`
	OrganizationID        string            `json:"organizationId"`
	Type                  socket.ClientType `json:"type"`
	ConnectionID          string            `json:"connectionId,omitempty"`
	MachineRegistrationID string            `json:"machineRegistrationId,omitempty"`
	ClientVersion         string            `json:"clientVersion,omitempty"`
	GatewayID             string            `json:"gatewayId,omitempty"`
	ClientIP              string            `json:"clientIp,omitempty"`
	ConnectedOn           time.Time         `json:"connectedOn"`
	LastUpdatedOn         time.Time         `json:"lastUpdatedOn"`
}

// Store is the durable state store behind the relay. Implementations are
// tenant-scoped: every read and write carries the organization id.
type Store interface {
	// Register creates or updates the row keyed by (organizationId,
	// clientId), bumping lastUpdatedOn.
	Register(ctx context.Context, reg ClientRegistration) (bool, error)

	// UpdateActivity bumps lastUpdatedOn. Returns true iff the row exists.
	UpdateActivity(ctx context.Context, clientID, organizationID string) (bool, error)

	// Deregister removes the row and records final byte counters.
	// Removing an absent row returns true; deregistration is idempotent.
	Deregister(ctx context.Context, connectionID, clientID, organizationID string, bytesReceived, bytesSent uint64) (bool, error)

	// GetAgents returns the tenant's agents refreshed within the
	// liveness window.
	GetAgents(ctx context.Context, organizationID string) ([]ClientRegistration, error)

	// GetPortals returns the tenant's portals refreshed within the
	// liveness window.
	GetPortals(ctx context.Context, organizationID string) ([]ClientRegistration, error)

	// PurgeStale removes rows older than the retention window and
	// returns how many were dropped.
	PurgeStale(ctx context.Context) (int, error)
}
