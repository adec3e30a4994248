package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrNoValidator is returned when no validation backend is wired.
var ErrNoValidator = errors.New("no token validation backend configured")

// ValidatorFunc resolves one token class.
type ValidatorFunc func(ctx context.Context, token string) (*TokenValidationResponse, error)

// Memory is an in-process Bus for tests and single-node deployments. The
// backend side is plugged in as handler functions.
type Memory struct {
	mu sync.Mutex

	agentValidator   ValidatorFunc
	connectValidator ValidatorFunc

	controlHandler ControlHandler
	dailyHandlers  []func(ctx context.Context)

	activities []AgentActivityMessage
	publicKeys []PublicKeyMessage
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{}
}

// SetAgentValidator plugs in the agent token backend.
func (m *Memory) SetAgentValidator(f ValidatorFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentValidator = f
}

// SetConnectValidator plugs in the portal token backend.
func (m *Memory) SetConnectValidator(f ValidatorFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectValidator = f
}

// ValidateAgentToken resolves an agent token through the plugged backend.
func (m *Memory) ValidateAgentToken(ctx context.Context, token string) (*TokenValidationResponse, error) {
	m.mu.Lock()
	f := m.agentValidator
	m.mu.Unlock()
	if f == nil {
		return nil, ErrNoValidator
	}
	return f(ctx, token)
}

// ValidateConnectToken resolves a portal token through the plugged backend.
func (m *Memory) ValidateConnectToken(ctx context.Context, token string) (*TokenValidationResponse, error) {
	m.mu.Lock()
	f := m.connectValidator
	m.mu.Unlock()
	if f == nil {
		return nil, ErrNoValidator
	}
	return f(ctx, token)
}

// PublishAgentActivity records the activity event.
func (m *Memory) PublishAgentActivity(ctx context.Context, msg AgentActivityMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, msg)
	return nil
}

// PublishPublicKey records the public key announcement.
func (m *Memory) PublishPublicKey(ctx context.Context, msg PublicKeyMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publicKeys = append(m.publicKeys, msg)
	return nil
}

// SubscribeControl registers the control request handler.
func (m *Memory) SubscribeControl(h ControlHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlHandler = h
}

// SubscribeDaily registers a daily maintenance handler.
func (m *Memory) SubscribeDaily(h func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyHandlers = append(m.dailyHandlers, h)
}

// RequestControl drives the subscribed control handler, as the broker
// would on an inbound request.
func (m *Memory) RequestControl(ctx context.Context, req *AgentControlCommandRequest) *AgentControlCommandResponse {
	m.mu.Lock()
	h := m.controlHandler
	m.mu.Unlock()
	if h == nil {
		return &AgentControlCommandResponse{
			AgentID:        req.AgentID,
			OrganizationID: req.OrganizationID,
			Success:        false,
			Message:        "no control handler subscribed",
		}
	}
	return h(ctx, req)
}

// TriggerDaily fires the daily maintenance handlers.
func (m *Memory) TriggerDaily(ctx context.Context) {
	m.mu.Lock()
	handlers := make([]func(ctx context.Context), len(m.dailyHandlers))
	copy(handlers, m.dailyHandlers)
	m.mu.Unlock()
	for _, h := range handlers {
		h(ctx)
	}
}

// Activities returns the recorded activity events.
func (m *Memory) Activities() []AgentActivityMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentActivityMessage, len(m.activities))
	copy(out, m.activities)
	return out
}

// PublicKeys returns the recorded public key announcements.
func (m *Memory) PublicKeys() []PublicKeyMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublicKeyMessage, len(m.publicKeys))
	copy(out, m.publicKeys)
	return out
}
