// Package gateway maintains the outward connections a service node keeps
// to its configured gateway peers.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/duplicati/console-machineserver/internal/directory"
	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/metrics"
	"github.com/duplicati/console-machineserver/internal/relay"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// dialTimeout bounds a single dial attempt.
const dialTimeout = 15 * time.Second

// Keeper supervises one reconnecting client stream per configured gateway
// URL. Failed dials retry on the reconnect interval indefinitely.
type Keeper struct {
	urls              []string
	instanceID        string
	relay             *relay.Relay
	dir               *directory.Directory
	pingInterval      time.Duration
	reconnectInterval time.Duration
	logger            *slog.Logger
	stats             *metrics.Metrics

	mu     sync.Mutex
	failed map[string]int
}

// New creates the keeper for the configured gateway URLs.
func New(urls []string, instanceID string, r *relay.Relay, dir *directory.Directory, pingInterval, reconnectInterval time.Duration, logger *slog.Logger, stats *metrics.Metrics) *Keeper {
	return &Keeper{
		urls:              urls,
		instanceID:        instanceID,
		relay:             r,
		dir:               dir,
		pingInterval:      pingInterval,
		reconnectInterval: reconnectInterval,
		logger:            logger.With(logging.KeyComponent, "gateway-keeper"),
		stats:             stats,
		failed:            make(map[string]int),
	}
}

// Run supervises every configured gateway until the context ends.
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, url := range k.urls {
		url := url
		g.Go(func() error {
			k.supervise(ctx, url)
			return nil
		})
	}
	return g.Wait()
}

// supervise is the dial/attach/redial loop for one gateway.
func (k *Keeper) supervise(ctx context.Context, url string) {
	log := k.logger.With(logging.KeyGateway, url)

	for {
		if ctx.Err() != nil {
			return
		}

		k.stats.GatewayDialAttempts.WithLabelValues(url).Inc()
		conn, err := k.dial(ctx, url)
		if err != nil {
			k.recordFailure(url)
			log.Warn("gateway dial failed",
				logging.KeyError, err, logging.KeyCount, k.FailedAttempts(url))
			if !k.wait(ctx) {
				return
			}
			continue
		}

		st := socket.New(socket.NewWSConn(conn), k.relay.Codec(), socket.StateGatewayUnauth, url)
		st.OnSent(func(n int) { k.stats.BytesSent.Add(float64(n)) })
		st.EnableInterestTracking(socket.NewInterestMap())
		k.dir.AddGateway(st)

		k.attach(ctx, st, conn)

		if ctx.Err() != nil {
			return
		}
		log.Info("gateway connection lost, redialing")
		if !k.wait(ctx) {
			return
		}
	}
}

// dial opens the websocket stream to the gateway.
func (k *Keeper) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		k.stats.GatewayDialFailures.WithLabelValues(url).Inc()
		return nil, err
	}
	return conn, nil
}

// attach runs the receive loop and the liveness task until the stream
// drops or the node shuts down.
func (k *Keeper) attach(ctx context.Context, st *socket.State, conn *websocket.Conn) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wasConnected := false
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		k.liveness(loopCtx, st, &wasConnected)
	}()

	k.relay.HandleOutbound(loopCtx, st, socket.NewWSFrameReader(conn))
	cancel()
	wg.Wait()

	if wasConnected {
		k.stats.GatewaysConnected.Dec()
	}
}

// liveness pings the peer when the stream has been quiet for two ping
// intervals, and resets the failure count once the handshake completes.
func (k *Keeper) liveness(ctx context.Context, st *socket.State, wasConnected *bool) {
	ticker := time.NewTicker(k.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if st.State() != socket.StateGatewayAuth {
			continue
		}
		if !*wasConnected {
			*wasConnected = true
			k.resetFailures(st.RemoteAddr())
		}

		if time.Since(st.LastReceived()) < 2*k.pingInterval {
			continue
		}
		ping := &envelope.Envelope{
			From:      k.instanceID,
			To:        st.ClientID(),
			Type:      envelope.TypePing,
			MessageID: envelope.NewMessageID(),
		}
		if err := st.Send(ctx, ping, envelope.PlainText); err != nil {
			k.logger.Debug("gateway ping failed",
				logging.KeyGateway, st.RemoteAddr(), logging.KeyError, err)
			return
		}
	}
}

// wait sleeps one reconnect interval; false when the context ended.
func (k *Keeper) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(k.reconnectInterval):
		return true
	}
}

func (k *Keeper) recordFailure(url string) {
	k.mu.Lock()
	k.failed[url]++
	n := k.failed[url]
	k.mu.Unlock()
	k.stats.GatewayFailedAttempts.WithLabelValues(url).Set(float64(n))
}

func (k *Keeper) resetFailures(url string) {
	k.mu.Lock()
	k.failed[url] = 0
	k.mu.Unlock()
	k.stats.GatewayFailedAttempts.WithLabelValues(url).Set(0)
}

// FailedAttempts returns the consecutive dial failures for a target.
func (k *Keeper) FailedAttempts(url string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.failed[url]
}
