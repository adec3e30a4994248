package directory

import (
	"context"
	"testing"
	"time"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/keys"
	"github.com/duplicati/console-machineserver/internal/socket"
)

type nopConn struct{}

func (nopConn) Write(ctx context.Context, data []byte) error { return nil }
func (nopConn) Close(code int, reason string) error          { return nil }

func newState(t *testing.T, initial socket.ConnectionState, clientID, org string) *socket.State {
	t.Helper()
	id, err := keys.Generate(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	st := socket.New(nopConn{}, envelope.NewCodec(id), initial, "")
	if clientID != "" {
		if err := st.SetIdentity(clientID, org); err != nil {
			t.Fatalf("SetIdentity: %v", err)
		}
	}
	return st
}

func TestDirectory_AddRemoveSnapshot(t *testing.T) {
	d := New()
	a := newState(t, socket.StateAgentAuth, "A1", "T1")
	p := newState(t, socket.StatePortalAuth, "P1", "T1")

	d.AddClient(a)
	d.AddClient(p)
	if clients, _ := d.Counts(); clients != 2 {
		t.Fatalf("clients = %d, want 2", clients)
	}

	snap := d.Clients()
	d.RemoveClient(a)
	if len(snap) != 2 {
		t.Error("snapshot must not shrink after removal")
	}
	if clients, _ := d.Counts(); clients != 1 {
		t.Errorf("clients after remove = %d, want 1", clients)
	}

	// Removing again is a no-op.
	d.RemoveClient(a)
	if clients, _ := d.Counts(); clients != 1 {
		t.Error("double remove changed the list")
	}
}

func TestDirectory_FindAgent(t *testing.T) {
	d := New()
	d.AddClient(newState(t, socket.StateAgentAuth, "A1", "T1"))
	d.AddClient(newState(t, socket.StateAgentUnauth, "A2", "T1"))
	d.AddClient(newState(t, socket.StateAgentAuth, "A3", "T2"))

	if st := d.FindAgent("T1", "A1"); st == nil || st.ClientID() != "A1" {
		t.Error("FindAgent should return the authenticated T1 agent")
	}
	if d.FindAgent("T1", "A2") != nil {
		t.Error("unauthenticated agent must not be found")
	}
	if d.FindAgent("T1", "A3") != nil {
		t.Error("agent of another tenant must not be found")
	}
}

func TestDirectory_PortalsInTenant(t *testing.T) {
	d := New()
	d.AddClient(newState(t, socket.StatePortalAuth, "P1", "T1"))
	d.AddClient(newState(t, socket.StatePortalAuth, "P2", "T1"))
	d.AddClient(newState(t, socket.StatePortalAuth, "P3", "T2"))
	d.AddClient(newState(t, socket.StateAgentAuth, "A1", "T1"))

	portals := d.PortalsInTenant("T1")
	if len(portals) != 2 {
		t.Fatalf("portals = %d, want 2", len(portals))
	}
}

func TestDirectory_GatewaysRelevantTo(t *testing.T) {
	d := New()

	authed := newState(t, socket.StateGatewayAuth, "G1", "")
	authed.EnableInterestTracking(socket.NewInterestMap())
	authed.Interest().Mark("T1", "A1")
	d.AddGateway(authed)

	unauthed := newState(t, socket.StateGatewayUnauth, "", "")
	unauthed.EnableInterestTracking(socket.NewInterestMap())
	unauthed.Interest().Mark("T1", "A1")
	d.AddGateway(unauthed)

	relevant := d.GatewaysRelevantTo("T1", "A1")
	if len(relevant) != 1 {
		t.Fatalf("relevant = %d, want 1 (only the authenticated peer)", len(relevant))
	}
	if len(d.GatewaysRelevantTo("T1", "A2")) != 0 {
		t.Error("pair never proxied should match no gateway")
	}
}
