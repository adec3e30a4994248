package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/keys"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	c.reason = reason
	return nil
}

func testState(t *testing.T, initial ConnectionState) (*State, *fakeConn) {
	t.Helper()
	id, err := keys.Generate(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	conn := &fakeConn{}
	return New(conn, envelope.NewCodec(id), initial, "127.0.0.1:1"), conn
}

// ============================================================================
// Connection State Tests
// ============================================================================

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateUnknown, "UNKNOWN"},
		{StatePortalUnauth, "PORTAL_UNAUTH"},
		{StatePortalAuth, "PORTAL_AUTH"},
		{StateAgentUnauth, "AGENT_UNAUTH"},
		{StateAgentAuth, "AGENT_AUTH"},
		{StateGatewayUnauth, "GATEWAY_UNAUTH"},
		{StateGatewayAuth, "GATEWAY_AUTH"},
		{ConnectionState(99), "INVALID"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnectionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConnectionState_ExpectedWrapping(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  envelope.Wrapping
	}{
		{StateUnknown, envelope.PlainText},
		{StatePortalUnauth, envelope.PlainText},
		{StatePortalAuth, envelope.PlainText},
		{StateAgentUnauth, envelope.SignOnly},
		{StateAgentAuth, envelope.Encrypt},
		{StateGatewayUnauth, envelope.PlainText},
		{StateGatewayAuth, envelope.PlainText},
	}

	for _, tt := range tests {
		if got := tt.state.ExpectedWrapping(); got != tt.want {
			t.Errorf("%s.ExpectedWrapping() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestConnectionState_Authenticated(t *testing.T) {
	for _, s := range []ConnectionState{StatePortalAuth, StateAgentAuth, StateGatewayAuth} {
		if !s.Authenticated() {
			t.Errorf("%s should be authenticated", s)
		}
	}
	for _, s := range []ConnectionState{StateUnknown, StatePortalUnauth, StateAgentUnauth, StateGatewayUnauth} {
		if s.Authenticated() {
			t.Errorf("%s should not be authenticated", s)
		}
	}
}

func TestState_TenantImmutable(t *testing.T) {
	st, _ := testState(t, StatePortalUnauth)

	if err := st.SetIdentity("P1", "T1"); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}

	// Re-auth may refresh the client id within the same tenant.
	if err := st.SetIdentity("P1", "T1"); err != nil {
		t.Errorf("re-auth same tenant: %v", err)
	}

	// Moving to another tenant must be rejected.
	if err := st.SetIdentity("P1", "T2"); err != ErrTenantChange {
		t.Errorf("SetIdentity with new tenant = %v, want ErrTenantChange", err)
	}
	if st.OrganizationID() != "T1" {
		t.Errorf("organization changed to %s", st.OrganizationID())
	}
}

// ============================================================================
// Send Tests
// ============================================================================

func TestState_Send_SerializesWholeFrames(t *testing.T) {
	st, conn := testState(t, StatePortalAuth)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := &envelope.Envelope{Type: envelope.TypePong, MessageID: envelope.NewMessageID()}
			if err := st.Send(context.Background(), env, envelope.PlainText); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
	}
	wg.Wait()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.frames) != writers {
		t.Fatalf("frames = %d, want %d", len(conn.frames), writers)
	}
	for i, frame := range conn.frames {
		var env envelope.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Errorf("frame %d is not a whole envelope: %v", i, err)
		}
	}
}

func TestState_Send_UpdatesCounters(t *testing.T) {
	st, _ := testState(t, StatePortalAuth)

	env := &envelope.Envelope{Type: envelope.TypePing, MessageID: "m1"}
	if err := st.Send(context.Background(), env, envelope.PlainText); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if st.BytesSent() == 0 {
		t.Error("bytesSent not updated")
	}
	if time.Since(st.LastSent()) > time.Second {
		t.Error("lastSent not updated")
	}
}

func TestState_Send_EncryptRequiresClientKey(t *testing.T) {
	st, _ := testState(t, StateAgentAuth)

	env := &envelope.Envelope{Type: envelope.TypeCommand, MessageID: "m1"}
	if err := st.Send(context.Background(), env, envelope.Encrypt); err == nil {
		t.Error("Send(Encrypt) without a client key should fail")
	}
}

// ============================================================================
// Interest Map Tests
// ============================================================================

func TestInterestMap_TTL(t *testing.T) {
	clk := clock.NewMock()
	m := NewInterestMapWithClock(clk, 5*time.Minute)

	m.Mark("T1", "A1")
	if !m.Contains("T1", "A1") {
		t.Error("fresh entry should be present")
	}
	if m.Contains("T1", "A2") {
		t.Error("unmarked pair should be absent")
	}

	clk.Add(5*time.Minute + time.Second)
	if m.Contains("T1", "A1") {
		t.Error("expired entry should not be returned")
	}
}

func TestInterestMap_NoSweepBelowThreshold(t *testing.T) {
	clk := clock.NewMock()
	m := NewInterestMapWithClock(clk, 5*time.Minute)

	for i := 0; i < 10; i++ {
		m.Mark("T1", fmt.Sprintf("c%d", i))
	}
	clk.Add(6 * time.Minute)
	m.Mark("T1", "fresh")

	// Expired entries linger because the map is too small to sweep.
	if m.Len() != 11 {
		t.Errorf("Len = %d, want 11 (no sweep below threshold)", m.Len())
	}
	if m.Contains("T1", "c0") {
		t.Error("expired entry must still not be returned")
	}
}

func TestInterestMap_SweepAtThreshold(t *testing.T) {
	clk := clock.NewMock()
	m := NewInterestMapWithClock(clk, 5*time.Minute)

	// Fill to one below the threshold, then let everything expire.
	for i := 0; i < interestCleanupThreshold-1; i++ {
		m.Mark("T1", fmt.Sprintf("c%d", i))
	}
	clk.Add(6 * time.Minute)

	// The mark that reaches the threshold triggers the sweep: a full
	// TTL has passed since the last one, so the stale entries go away.
	m.Mark("T1", "fresh")
	if m.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", m.Len())
	}
	if !m.Contains("T1", "fresh") {
		t.Error("fresh entry must survive the sweep")
	}
}

// ============================================================================
// Gateway Handshake Tests
// ============================================================================

func TestGatewayHash(t *testing.T) {
	n1, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	n2, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	if n1 == n2 {
		t.Fatal("nonces must be unique")
	}

	hash := GatewayHash("psk", n1, n2)
	if !VerifyGatewayHash("psk", n1, n2, hash) {
		t.Error("hash should verify with the same inputs")
	}
	if VerifyGatewayHash("other", n1, n2, hash) {
		t.Error("hash must not verify under a different PSK")
	}
	if VerifyGatewayHash("psk", n2, n1, hash) {
		t.Error("hash must bind nonce order")
	}
}
