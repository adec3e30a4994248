// Package relay implements the in-process relay engine: the receive loop,
// the behavior dispatch, and the per-type protocol rules.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/duplicati/console-machineserver/internal/bus"
	"github.com/duplicati/console-machineserver/internal/config"
	"github.com/duplicati/console-machineserver/internal/directory"
	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/keys"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/metrics"
	"github.com/duplicati/console-machineserver/internal/pending"
	"github.com/duplicati/console-machineserver/internal/registry"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// Behavior is the handler for one message type. Preconditions are
// enforced inside each behavior; dispatch itself does not know state.
type Behavior func(ctx context.Context, st *socket.State, env *envelope.Envelope) error

// Settings carries the relay tunables out of the node configuration.
type Settings struct {
	Role                    config.Role
	InstanceID              string
	MachineName             string
	ServerVersion           string
	PreSharedKey            string
	AllowedProtocolVersions []int
	MaxBytesBeforeAuth      int
	MaxMessageSize          int
	GracefulCloseTimeout    time.Duration
	DisablePing             bool
}

// Relay routes envelopes between the streams attached to this node and
// its gateway peers.
type Relay struct {
	settings  Settings
	identity  *keys.Identity
	codec     *envelope.Codec
	dir       *directory.Directory
	store     registry.Store
	pend      *pending.Store
	validator bus.TokenValidator
	publisher bus.Publisher
	logger    *slog.Logger
	stats     *metrics.Metrics

	behaviors map[string]Behavior
}

// New creates the relay engine and builds the behavior table for the
// configured role.
func New(settings Settings, identity *keys.Identity, dir *directory.Directory, store registry.Store, pend *pending.Store, validator bus.TokenValidator, publisher bus.Publisher, logger *slog.Logger, stats *metrics.Metrics) *Relay {
	r := &Relay{
		settings:  settings,
		identity:  identity,
		codec:     envelope.NewCodec(identity),
		dir:       dir,
		store:     store,
		pend:      pend,
		validator: validator,
		publisher: publisher,
		logger:    logger.With(logging.KeyComponent, "relay"),
		stats:     stats,
	}

	r.behaviors = map[string]Behavior{
		envelope.TypeAuthPortal:  r.authPortal,
		envelope.TypeAuth:        r.authAgent,
		envelope.TypeAuthGateway: r.authGateway,
		envelope.TypePing:        r.ping,
		envelope.TypePong:        r.pong,
		envelope.TypeList:        r.list,
		envelope.TypeCommand:     r.command,
		envelope.TypeControl:     r.control,
		envelope.TypeProxy:       r.proxy,
	}
	if settings.Role == config.RoleService {
		// Only the service role dials outward and therefore receives
		// welcome envelopes.
		r.behaviors[envelope.TypeWelcome] = r.welcome
	}

	return r
}

// Codec returns the envelope codec bound to this node's identity.
func (r *Relay) Codec() *envelope.Codec {
	return r.codec
}

// Behavior returns the handler for a message type, or nil.
func (r *Relay) Behavior(messageType string) Behavior {
	return r.behaviors[messageType]
}

// welcomeMessage builds the welcome payload for a fresh stream.
func (r *Relay) welcomeMessage(nonce string) *envelope.WelcomeMessage {
	return &envelope.WelcomeMessage{
		PublicKeyHash:           r.identity.Fingerprint(),
		MachineName:             r.settings.MachineName,
		ServerVersion:           r.settings.ServerVersion,
		Nonce:                   nonce,
		AllowedProtocolVersions: r.settings.AllowedProtocolVersions,
	}
}

func (r *Relay) protocolVersionAllowed(v int) bool {
	for _, allowed := range r.settings.AllowedProtocolVersions {
		if allowed == v {
			return true
		}
	}
	return false
}
