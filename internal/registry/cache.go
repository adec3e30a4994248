package registry

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/duplicati/console-machineserver/internal/socket"
)

const (
	// cacheTTL bounds how stale a cached list result may be. List pushes
	// fan the same query out to many portals in quick succession; one
	// second of staleness collapses that burst into a single store read.
	cacheTTL = time.Second

	// cacheSize bounds the number of cached (tenant, type) lists.
	cacheSize = 1024
)

type cacheKey struct {
	organizationID string
	clientType     socket.ClientType
}

// Cached wraps a Store with a short-TTL read cache over the list
// operations. Writes pass through and invalidate the affected tenant.
type Cached struct {
	store Store
	lists *expirable.LRU[cacheKey, []ClientRegistration]
}

// NewCached wraps the store with the read cache.
func NewCached(store Store) *Cached {
	return &Cached{
		store: store,
		lists: expirable.NewLRU[cacheKey, []ClientRegistration](cacheSize, nil, cacheTTL),
	}
}

// Register passes through and invalidates the tenant's cached lists.
func (c *Cached) Register(ctx context.Context, reg ClientRegistration) (bool, error) {
	ok, err := c.store.Register(ctx, reg)
	c.invalidate(reg.OrganizationID)
	return ok, err
}

// UpdateActivity passes through. Activity bumps do not change list
// membership within the cache TTL, so the cache is left alone.
func (c *Cached) UpdateActivity(ctx context.Context, clientID, organizationID string) (bool, error) {
	return c.store.UpdateActivity(ctx, clientID, organizationID)
}

// Deregister passes through and invalidates the tenant's cached lists.
func (c *Cached) Deregister(ctx context.Context, connectionID, clientID, organizationID string, bytesReceived, bytesSent uint64) (bool, error) {
	ok, err := c.store.Deregister(ctx, connectionID, clientID, organizationID, bytesReceived, bytesSent)
	c.invalidate(organizationID)
	return ok, err
}

// GetAgents returns the tenant's live agents, cached briefly.
func (c *Cached) GetAgents(ctx context.Context, organizationID string) ([]ClientRegistration, error) {
	return c.list(ctx, organizationID, socket.TypeAgent)
}

// GetPortals returns the tenant's live portals, cached briefly.
func (c *Cached) GetPortals(ctx context.Context, organizationID string) ([]ClientRegistration, error) {
	return c.list(ctx, organizationID, socket.TypePortal)
}

// PurgeStale passes through and drops the whole cache.
func (c *Cached) PurgeStale(ctx context.Context) (int, error) {
	n, err := c.store.PurgeStale(ctx)
	c.lists.Purge()
	return n, err
}

func (c *Cached) list(ctx context.Context, organizationID string, t socket.ClientType) ([]ClientRegistration, error) {
	key := cacheKey{organizationID, t}
	if cached, ok := c.lists.Get(key); ok {
		return cached, nil
	}

	var rows []ClientRegistration
	var err error
	switch t {
	case socket.TypeAgent:
		rows, err = c.store.GetAgents(ctx, organizationID)
	default:
		rows, err = c.store.GetPortals(ctx, organizationID)
	}
	if err != nil {
		return nil, err
	}
	c.lists.Add(key, rows)
	return rows, nil
}

func (c *Cached) invalidate(organizationID string) {
	c.lists.Remove(cacheKey{organizationID, socket.TypeAgent})
	c.lists.Remove(cacheKey{organizationID, socket.TypePortal})
}
