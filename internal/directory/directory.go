// Package directory tracks the streams attached to this node.
package directory

import (
	"sync"

	"github.com/duplicati/console-machineserver/internal/socket"
)

// Directory holds the locally-attached client connections (portals and
// agents) and, separately, the gateway peer connections: those this node
// has dialed and those accepted on the gateway ingress path. Snapshots are returned by copy so callers iterate without
// holding the lock.
type Directory struct {
	mu       sync.Mutex
	clients  []*socket.State
	gateways []*socket.State
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{}
}

// AddClient registers a locally-attached portal or agent stream.
func (d *Directory) AddClient(st *socket.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients = append(d.clients, st)
}

// RemoveClient drops a client stream. Removing an absent stream is a no-op.
func (d *Directory) RemoveClient(st *socket.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients = remove(d.clients, st)
}

// AddGateway registers a gateway peer stream.
func (d *Directory) AddGateway(st *socket.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gateways = append(d.gateways, st)
}

// RemoveGateway drops a gateway peer stream.
func (d *Directory) RemoveGateway(st *socket.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gateways = remove(d.gateways, st)
}

// Clients returns a snapshot of the client list.
func (d *Directory) Clients() []*socket.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return snapshot(d.clients)
}

// Gateways returns a snapshot of the gateway peer list.
func (d *Directory) Gateways() []*socket.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return snapshot(d.gateways)
}

// FirstClient returns the first client stream matching the predicate, or nil.
func (d *Directory) FirstClient(match func(*socket.State) bool) *socket.State {
	for _, st := range d.Clients() {
		if match(st) {
			return st
		}
	}
	return nil
}

// FindAgent returns the locally-attached authenticated agent with the
// given client id in the tenant, or nil.
func (d *Directory) FindAgent(organizationID, clientID string) *socket.State {
	return d.FirstClient(func(st *socket.State) bool {
		return st.State() == socket.StateAgentAuth &&
			st.OrganizationID() == organizationID &&
			st.ClientID() == clientID
	})
}

// PortalsInTenant returns every authenticated portal stream of the tenant.
func (d *Directory) PortalsInTenant(organizationID string) []*socket.State {
	var out []*socket.State
	for _, st := range d.Clients() {
		if st.State() == socket.StatePortalAuth && st.OrganizationID() == organizationID {
			out = append(out, st)
		}
	}
	return out
}

// GatewaysRelevantTo returns the authenticated gateway peer streams
// whose recent-interest map contains the (tenant, client) pair.
func (d *Directory) GatewaysRelevantTo(organizationID, clientID string) []*socket.State {
	var out []*socket.State
	for _, st := range d.Gateways() {
		if st.State() != socket.StateGatewayAuth {
			continue
		}
		if m := st.Interest(); m != nil && m.Contains(organizationID, clientID) {
			out = append(out, st)
		}
	}
	return out
}

// AuthenticatedGateways returns every authenticated gateway peer stream.
func (d *Directory) AuthenticatedGateways() []*socket.State {
	var out []*socket.State
	for _, st := range d.Gateways() {
		if st.State() == socket.StateGatewayAuth {
			out = append(out, st)
		}
	}
	return out
}

// Counts returns the number of client and gateway streams.
func (d *Directory) Counts() (clients, gateways int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients), len(d.gateways)
}

func remove(list []*socket.State, st *socket.State) []*socket.State {
	for i, cur := range list {
		if cur == st {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func snapshot(list []*socket.State) []*socket.State {
	out := make([]*socket.State, len(list))
	copy(out, list)
	return out
}
