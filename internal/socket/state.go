// Package socket holds the per-stream connection state machine and the
// single-writer send path.
package socket

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duplicati/console-machineserver/internal/envelope"
)

// ConnectionState represents the protocol state of a stream.
type ConnectionState int32

const (
	StateUnknown ConnectionState = iota
	StatePortalUnauth
	StatePortalAuth
	StateAgentUnauth
	StateAgentAuth
	StateGatewayUnauth
	StateGatewayAuth
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StatePortalUnauth:
		return "PORTAL_UNAUTH"
	case StatePortalAuth:
		return "PORTAL_AUTH"
	case StateAgentUnauth:
		return "AGENT_UNAUTH"
	case StateAgentAuth:
		return "AGENT_AUTH"
	case StateGatewayUnauth:
		return "GATEWAY_UNAUTH"
	case StateGatewayAuth:
		return "GATEWAY_AUTH"
	default:
		return "INVALID"
	}
}

// Authenticated returns true for the three authenticated states.
func (s ConnectionState) Authenticated() bool {
	return s == StatePortalAuth || s == StateAgentAuth || s == StateGatewayAuth
}

// ExpectedWrapping returns the inbound wrapping the protocol requires in
// this state. Receiving a differently-wrapped payload is a policy violation.
func (s ConnectionState) ExpectedWrapping() envelope.Wrapping {
	switch s {
	case StateAgentUnauth:
		return envelope.SignOnly
	case StateAgentAuth:
		return envelope.Encrypt
	default:
		return envelope.PlainText
	}
}

// ClientType classifies a connection by what attached to it.
type ClientType string

const (
	TypeUnknown ClientType = "Unknown"
	TypeAgent   ClientType = "Agent"
	TypePortal  ClientType = "Portal"
	TypeGateway ClientType = "Gateway"
)

// ClientType derives the role hint from the connection state.
func (s ConnectionState) ClientType() ClientType {
	switch s {
	case StatePortalUnauth, StatePortalAuth:
		return TypePortal
	case StateAgentUnauth, StateAgentAuth:
		return TypeAgent
	case StateGatewayUnauth, StateGatewayAuth:
		return TypeGateway
	default:
		return TypeUnknown
	}
}

// ErrTenantChange is returned when an authentication attempts to move an
// already-authenticated stream to a different tenant.
var ErrTenantChange = errors.New("organization may not change after authentication")

// Conn is the write half of the underlying stream. Write sends exactly one
// text frame; Close terminates the stream with a close code and reason.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// State is the in-memory state of one attached stream.
type State struct {
	connectionID string
	conn         Conn
	codec        *envelope.Codec
	remoteAddr   string
	connectedOn  time.Time

	state atomic.Int32

	// mu guards the identity and handshake fields below.
	mu                sync.Mutex
	clientID          string
	organizationID    string
	registeredAgentID string
	clientVersion     string
	impersonated      bool
	clientPublicKey   *rsa.PublicKey
	tokenExpiration   time.Time
	serverNonce       string
	peerNonce         string

	// interest is set only on gateway connections (outward and accepted).
	interest *InterestMap

	lastReceived  atomic.Int64
	lastSent      atomic.Int64
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// writeMu linearizes sends so frames never interleave on the wire.
	writeMu sync.Mutex

	// onSent, when set, observes the size of each written frame.
	onSent func(n int)
}

// New creates the state for a freshly accepted or dialed stream.
func New(conn Conn, codec *envelope.Codec, initial ConnectionState, remoteAddr string) *State {
	st := &State{
		connectionID: uuid.NewString(),
		conn:         conn,
		codec:        codec,
		remoteAddr:   remoteAddr,
		connectedOn:  time.Now(),
	}
	st.state.Store(int32(initial))
	st.lastReceived.Store(time.Now().UnixNano())
	return st
}

// ConnectionID returns the node-local opaque id of this stream.
func (s *State) ConnectionID() string { return s.connectionID }

// RemoteAddr returns the peer address recorded at accept time.
func (s *State) RemoteAddr() string { return s.remoteAddr }

// ConnectedOn returns when the stream attached.
func (s *State) ConnectedOn() time.Time { return s.connectedOn }

// State returns the current connection state.
func (s *State) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// SetState updates the connection state.
func (s *State) SetState(state ConnectionState) {
	s.state.Store(int32(state))
}

// Authenticated reports whether the stream has completed authentication.
func (s *State) Authenticated() bool {
	return s.State().Authenticated()
}

// ClientID returns the authenticated client id, or empty.
func (s *State) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// OrganizationID returns the authenticated tenant, or empty.
func (s *State) OrganizationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.organizationID
}

// RegisteredAgentID returns the backend machine registration id, if any.
func (s *State) RegisteredAgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registeredAgentID
}

// ClientVersion returns the client-reported version string, if any.
func (s *State) ClientVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientVersion
}

// SetIdentity records the authenticated identity. The tenant is immutable:
// re-authentication may refresh every other field but must keep the
// organization, otherwise ErrTenantChange is returned.
func (s *State) SetIdentity(clientID, organizationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.organizationID != "" && s.organizationID != organizationID {
		return ErrTenantChange
	}
	s.clientID = clientID
	s.organizationID = organizationID
	return nil
}

// SetAgentDetails records agent-specific fields set during auth.
func (s *State) SetAgentDetails(registeredAgentID, clientVersion string, pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registeredAgentID = registeredAgentID
	s.clientVersion = clientVersion
	s.clientPublicKey = pub
}

// SetClientVersion records the client-reported version.
func (s *State) SetClientVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientVersion = v
}

// ClientPublicKey returns the agent's verified public key, or nil.
func (s *State) ClientPublicKey() *rsa.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientPublicKey
}

// TokenExpiration returns the expiry of the last accepted token.
func (s *State) TokenExpiration() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenExpiration
}

// SetTokenExpiration records the expiry of the accepted token.
func (s *State) SetTokenExpiration(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenExpiration = t
}

// Impersonated reports the impersonation guard flag.
func (s *State) Impersonated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.impersonated
}

// SetImpersonated sets the impersonation guard flag.
func (s *State) SetImpersonated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impersonated = v
}

// ServerNonce returns the nonce this node issued in its welcome envelope.
func (s *State) ServerNonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverNonce
}

// SetServerNonce records the nonce issued in the welcome envelope.
func (s *State) SetServerNonce(n string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverNonce = n
}

// PeerNonce returns the nonce received from the gateway peer.
func (s *State) PeerNonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerNonce
}

// SetPeerNonce records the nonce received from the gateway peer.
func (s *State) SetPeerNonce(n string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerNonce = n
}

// EnableInterestTracking attaches a recent-interest map. Done for gateway
// connections only, both outward and accepted.
func (s *State) EnableInterestTracking(m *InterestMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interest = m
}

// Interest returns the recent-interest map, or nil for non-gateway streams.
func (s *State) Interest() *InterestMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interest
}

// RecordReceived updates receive counters for one inbound frame.
func (s *State) RecordReceived(n int) {
	s.bytesReceived.Add(uint64(n))
	s.lastReceived.Store(time.Now().UnixNano())
}

// BytesReceived returns the total bytes received on this stream.
func (s *State) BytesReceived() uint64 { return s.bytesReceived.Load() }

// BytesSent returns the total bytes sent on this stream.
func (s *State) BytesSent() uint64 { return s.bytesSent.Load() }

// LastReceived returns the time of the last inbound frame.
func (s *State) LastReceived() time.Time {
	return time.Unix(0, s.lastReceived.Load())
}

// LastSent returns the time of the last outbound frame.
func (s *State) LastSent() time.Time {
	return time.Unix(0, s.lastSent.Load())
}

// Send serializes the envelope under the wrapping and writes it as one
// text frame. The write lock guarantees two concurrent senders never
// interleave bytes on the wire. For Encrypt the agent's stored public key
// is used as the recipient key.
func (s *State) Send(ctx context.Context, env *envelope.Envelope, wrapping envelope.Wrapping) error {
	var peer *rsa.PublicKey
	if wrapping == envelope.Encrypt {
		peer = s.ClientPublicKey()
		if peer == nil {
			return fmt.Errorf("no client public key for encrypted send on %s", s.connectionID)
		}
	}

	data, err := s.codec.Encode(env, wrapping, peer)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	s.bytesSent.Add(uint64(len(data)))
	s.lastSent.Store(time.Now().UnixNano())
	if s.onSent != nil {
		s.onSent(len(data))
	}
	return nil
}

// OnSent installs an observer for outbound frame sizes. Set once at
// attach time, before the stream carries traffic.
func (s *State) OnSent(f func(n int)) {
	s.onSent = f
}

// Close terminates the stream with the given close code and reason.
func (s *State) Close(code int, reason string) error {
	return s.conn.Close(code, reason)
}

// String returns a string representation.
func (s *State) String() string {
	return fmt.Sprintf("Socket{id=%s, state=%s, client=%s, org=%s}",
		s.connectionID[:8], s.State(), s.ClientID(), s.OrganizationID())
}
