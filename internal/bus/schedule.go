package bus

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/duplicati/console-machineserver/internal/keys"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/metrics"
	"github.com/duplicati/console-machineserver/internal/registry"
)

// maxPurgeJitter spreads the daily purge across replicas so they do not
// hit the store at the same instant.
const maxPurgeJitter = 30 * time.Second

// Scheduler runs the periodic bus chores: announcing the node public key
// and purging stale registry rows on the daily message.
type Scheduler struct {
	instanceName string
	identity     *keys.Identity
	publisher    Publisher
	store        registry.Store
	interval     time.Duration
	logger       *slog.Logger
	stats        *metrics.Metrics
}

// NewScheduler creates the scheduler.
func NewScheduler(instanceName string, identity *keys.Identity, publisher Publisher, store registry.Store, interval time.Duration, logger *slog.Logger, stats *metrics.Metrics) *Scheduler {
	return &Scheduler{
		instanceName: instanceName,
		identity:     identity,
		publisher:    publisher,
		store:        store,
		interval:     interval,
		logger:       logger.With(logging.KeyComponent, "scheduler"),
		stats:        stats,
	}
}

// Attach subscribes the daily purge to the bus.
func (s *Scheduler) Attach(consumer Consumer) {
	consumer.SubscribeDaily(s.purge)
}

// Run publishes the public key on the configured interval until the
// context ends. Publish failures are transient and only logged.
func (s *Scheduler) Run(ctx context.Context) {
	s.publishKey(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishKey(ctx)
		}
	}
}

func (s *Scheduler) publishKey(ctx context.Context) {
	pem, err := s.identity.PublicPEM()
	if err != nil {
		s.logger.Error("encode public key", logging.KeyError, err)
		return
	}
	msg := PublicKeyMessage{
		Hash:         s.identity.Fingerprint(),
		PEM:          string(pem),
		InstanceName: s.instanceName,
		Expires:      s.identity.ExpiresOn(),
	}
	if err := s.publisher.PublishPublicKey(ctx, msg); err != nil {
		s.logger.Warn("publish public key", logging.KeyError, err)
	}
}

// purge handles the daily maintenance message with a random jitter.
func (s *Scheduler) purge(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(maxPurgeJitter)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	purged, err := s.store.PurgeStale(ctx)
	if err != nil {
		s.logger.Warn("registry purge failed", logging.KeyError, err)
		return
	}
	s.stats.RegistryPurged.Add(float64(purged))
	s.logger.Info("registry purge complete", logging.KeyCount, purged)
}
