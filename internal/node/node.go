// Package node assembles the relay engine and its collaborators into one
// runnable machine server.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/duplicati/console-machineserver/internal/bus"
	"github.com/duplicati/console-machineserver/internal/config"
	"github.com/duplicati/console-machineserver/internal/control"
	"github.com/duplicati/console-machineserver/internal/directory"
	"github.com/duplicati/console-machineserver/internal/gateway"
	"github.com/duplicati/console-machineserver/internal/keys"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/metrics"
	"github.com/duplicati/console-machineserver/internal/pending"
	"github.com/duplicati/console-machineserver/internal/registry"
	"github.com/duplicati/console-machineserver/internal/relay"
	"github.com/duplicati/console-machineserver/internal/server"
)

// Node is one running relay instance: the ingress server, the relay
// engine, the bus intake, and (for the service role) the gateway keeper.
type Node struct {
	cfg      *config.Config
	version  string
	logger   *slog.Logger
	stats    *metrics.Metrics
	identity *keys.Identity

	dir       *directory.Directory
	store     registry.Store
	pend      *pending.Store
	busPort   bus.Bus
	relay     *relay.Relay
	server    *server.Server
	keeper    *gateway.Keeper
	intake    *bus.Intake
	scheduler *bus.Scheduler
	control   *control.Server

	running  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a node from configuration. All collaborators are constructed
// here and passed in; nothing reaches for ambient state.
func New(cfg *config.Config, version string, busPort bus.Bus, logger *slog.Logger) (*Node, error) {
	identity, err := loadIdentity(cfg)
	if err != nil {
		return nil, err
	}

	stats := metrics.Default()
	if cfg.Features.DisableStatistics {
		stats = metrics.Disabled()
	}

	// The durable store is an external collaborator wired through the
	// registry.Store interface. The node always builds the in-process
	// implementation here; in_memory_client_list is not read.
	var store registry.Store = registry.NewMemoryWithClock(
		clock.New(), cfg.Registry.ClientInactivityTimeout, cfg.Registry.ConnectionRetention)
	store = registry.NewCached(store)

	dir := directory.New()
	pend := pending.NewStore(stats)

	settings := relay.Settings{
		Role:                    cfg.Node.Role,
		InstanceID:              cfg.Node.InstanceID,
		MachineName:             cfg.Node.MachineName,
		ServerVersion:           version,
		PreSharedKey:            cfg.Gateway.PreSharedKey,
		AllowedProtocolVersions: cfg.Features.AllowedProtocolVersions,
		MaxBytesBeforeAuth:      cfg.Limits.MaxBytesBeforeAuth,
		MaxMessageSize:          cfg.Limits.MaxMessageSize,
		GracefulCloseTimeout:    cfg.Timeouts.GracefulCloseTimeout,
		DisablePing:             cfg.Features.DisablePingMessages,
	}

	r := relay.New(settings, identity, dir, store, pend, busPort, busPort, logger, stats)

	n := &Node{
		cfg:      cfg,
		version:  version,
		logger:   logger.With(logging.KeyComponent, "node"),
		stats:    stats,
		identity: identity,
		dir:      dir,
		store:    store,
		pend:     pend,
		busPort:  busPort,
		relay:    r,
		server:   server.New(cfg, r, dir, logger, stats),
		intake: bus.NewIntake(cfg.Node.InstanceID, store, dir, pend,
			cfg.Timeouts.ControlResponseTimeout, logger, stats),
		scheduler: bus.NewScheduler(cfg.Node.MachineName, identity, busPort, store,
			cfg.Features.PublicKeyPublishInterval, logger, stats),
	}

	if cfg.Node.Role == config.RoleService && len(cfg.Gateway.Servers) > 0 {
		n.keeper = gateway.New(cfg.Gateway.Servers, cfg.Node.InstanceID, r, dir,
			cfg.Timeouts.PingInterval, cfg.Timeouts.ReconnectInterval, logger, stats)
	}

	if cfg.Control.Enabled {
		ctlCfg := control.DefaultServerConfig()
		ctlCfg.SocketPath = cfg.Control.SocketPath
		n.control = control.NewServer(ctlCfg, n)
	}

	return n, nil
}

// loadIdentity resolves the node key from inline PEM or a key file.
func loadIdentity(cfg *config.Config) (*keys.Identity, error) {
	if cfg.Node.PrivateKeyPEM != "" {
		return keys.FromPEM([]byte(cfg.Node.PrivateKeyPEM), cfg.Node.KeyExpiresOn)
	}
	if cfg.Node.PrivateKeyFile != "" {
		return keys.FromFile(cfg.Node.PrivateKeyFile, cfg.Node.KeyExpiresOn)
	}
	return nil, errors.New("no private key configured")
}

// Start brings the node up: ingress, bus subscriptions, keeper, and the
// periodic chores.
func (n *Node) Start() error {
	if n.running.Swap(true) {
		return errors.New("node already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	if err := n.server.Start(); err != nil {
		n.running.Store(false)
		return fmt.Errorf("start ingress: %w", err)
	}

	n.intake.Attach(n.busPort)
	n.scheduler.Attach(n.busPort)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.scheduler.Run(ctx)
	}()

	if n.keeper != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.keeper.Run(ctx); err != nil {
				n.logger.Warn("gateway keeper stopped", logging.KeyError, err)
			}
		}()
	}

	if n.control != nil {
		if err := n.control.Start(); err != nil {
			n.logger.Warn("control socket unavailable", logging.KeyError, err)
		}
	}

	n.logger.Info("node started",
		"instance_id", n.cfg.Node.InstanceID, "role", string(n.cfg.Node.Role))
	return nil
}

// Stop shuts the node down, closing every stream gracefully within the
// configured drain bound.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.running.Store(false)
		if n.cancel != nil {
			n.cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeouts.GracefulCloseTimeout)
		defer cancel()
		err = n.server.Shutdown(ctx)

		if n.control != nil {
			if stopErr := n.control.Stop(); stopErr != nil && err == nil {
				err = stopErr
			}
		}

		n.wg.Wait()
		n.logger.Info("node stopped")
	})
	return err
}

// InstanceID implements control.NodeInfo.
func (n *Node) InstanceID() string { return n.cfg.Node.InstanceID }

// Role implements control.NodeInfo.
func (n *Node) Role() string { return string(n.cfg.Node.Role) }

// IsRunning implements control.NodeInfo.
func (n *Node) IsRunning() bool { return n.running.Load() }

// ConnectionCounts implements control.NodeInfo.
func (n *Node) ConnectionCounts() (clients, gateways int) {
	return n.dir.Counts()
}
