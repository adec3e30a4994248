// Package envelope defines the wire envelope and its transport wrappings.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Message type constants
const (
	TypeWelcome     = "welcome"
	TypeAuthPortal  = "authportal"
	TypeAuth        = "auth"
	TypeAuthGateway = "authgateway"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeList        = "list"
	TypeCommand     = "command"
	TypeControl     = "control"
	TypeProxy       = "proxy"
	TypeWarning     = "warning"
)

// UnknownID is used in from/to when the counterpart has not identified itself.
const UnknownID = "unknown"

var (
	// ErrMalformedEnvelope is returned when wire bytes cannot be parsed
	// under the expected wrapping.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrInvalidConnectionStateForAuthentication is returned uniformly on
	// any signature or decryption failure so that the error surface does
	// not leak which check rejected the payload.
	ErrInvalidConnectionStateForAuthentication = errors.New("invalid connection state for authentication")
)

// Envelope is the on-wire message. One envelope per text frame.
type Envelope struct {
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	Type         string `json:"type"`
	MessageID    string `json:"messageId,omitempty"`
	Payload      string `json:"payload,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// NewMessageID returns a fresh opaque correlation token.
func NewMessageID() string {
	return uuid.NewString()
}

// WithError returns a failure reply to this envelope: same type and
// messageId, from/to reversed, errorMessage set and payload cleared.
func (e *Envelope) WithError(message string) *Envelope {
	return &Envelope{
		From:         e.To,
		To:           e.From,
		Type:         e.Type,
		MessageID:    e.MessageID,
		ErrorMessage: message,
	}
}

// ProxyEnvelope is carried as the payload of a TypeProxy envelope between
// service and gateway nodes.
type ProxyEnvelope struct {
	Type           string `json:"type"`
	From           string `json:"from"`
	To             string `json:"to"`
	OrganizationID string `json:"organizationId"`
	InnerMessage   string `json:"innerMessage,omitempty"`
}

// AuthPortalRequest is the payload of an authportal envelope.
type AuthPortalRequest struct {
	Token           string            `json:"token"`
	ClientVersion   string            `json:"clientVersion,omitempty"`
	ProtocolVersion int               `json:"protocolVersion"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// AuthAgentRequest is the payload of an auth envelope.
type AuthAgentRequest struct {
	Token           string            `json:"token"`
	PublicKey       string            `json:"publicKey"`
	ClientVersion   string            `json:"clientVersion,omitempty"`
	ProtocolVersion int               `json:"protocolVersion"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// AuthResult is the payload of authportal and auth replies.
type AuthResult struct {
	Accepted         bool    `json:"accepted"`
	WillReplaceToken bool    `json:"willReplaceToken"`
	NewToken         *string `json:"newToken"`
}

// WelcomeMessage is the payload of the welcome envelope sent on accept.
type WelcomeMessage struct {
	PublicKeyHash           string `json:"publicKeyHash"`
	MachineName             string `json:"machineName"`
	ServerVersion           string `json:"serverVersion"`
	Nonce                   string `json:"nonce,omitempty"`
	AllowedProtocolVersions []int  `json:"allowedProtocolVersions"`
}

// GatewayAuthMessage is the payload of an authgateway envelope.
type GatewayAuthMessage struct {
	Nonce string `json:"nonce"`
	Hash  string `json:"hash"`
}

// ControlRequest is the inner payload of a control envelope to an agent.
type ControlRequest struct {
	Command  string            `json:"command"`
	Settings map[string]string `json:"settings,omitempty"`
}

// ControlResponse is the inner payload of a control reply from an agent.
type ControlResponse struct {
	Output  map[string]string `json:"output,omitempty"`
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
}

// MarshalPayload serializes an inner payload object into the envelope
// payload string.
func MarshalPayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// UnmarshalPayload parses the envelope payload string into the given
// inner payload object.
func UnmarshalPayload(payload string, v any) error {
	if payload == "" {
		return fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
