// Package server terminates the HTTPS/WebSocket ingress of a node.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/duplicati/console-machineserver/internal/config"
	"github.com/duplicati/console-machineserver/internal/directory"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/metrics"
	"github.com/duplicati/console-machineserver/internal/relay"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// Ingress paths and the connection state each assigns.
const (
	PathAgent   = "/agent"
	PathPortal  = "/portal"
	PathGateway = "/gateway"
)

// Server accepts portal, agent, and gateway streams and runs the relay
// receive loop for each.
type Server struct {
	cfg    *config.Config
	relay  *relay.Relay
	dir    *directory.Directory
	logger *slog.Logger
	stats  *metrics.Metrics

	httpServer *http.Server
	listener   net.Listener

	mu       sync.Mutex
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// New creates the ingress server.
func New(cfg *config.Config, r *relay.Relay, dir *directory.Directory, logger *slog.Logger, stats *metrics.Metrics) *Server {
	return &Server{
		cfg:    cfg,
		relay:  r,
		dir:    dir,
		logger: logger.With(logging.KeyComponent, "server"),
		stats:  stats,
	}
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc(PathAgent, s.websocketHandler(socket.StateAgentUnauth))
	mux.HandleFunc(PathPortal, s.websocketHandler(socket.StatePortalUnauth))
	if s.cfg.Node.Role == config.RoleGateway {
		mux.HandleFunc(PathGateway, s.websocketHandler(socket.StateGatewayUnauth))
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Address,
		Handler: mux,
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", logging.KeyError, err)
		}
	}()

	s.logger.Info("listening", "address", ln.Addr().String())
	return nil
}

// Shutdown stops accepting streams and closes every live one gracefully
// within the configured drain bound.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.Timeouts.GracefulCloseTimeout):
		s.logger.Warn("drain timeout elapsed with streams still open")
	case <-ctx.Done():
	}
	return err
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleRoot redirects to the configured URL, or 404s.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if s.cfg.Server.RedirectURL != "" {
		http.Redirect(w, r, s.cfg.Server.RedirectURL, http.StatusFound)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// websocketHandler upgrades the request and runs the receive loop with
// the initial state the ingress path dictates.
func (s *Server) websocketHandler(initial socket.ConnectionState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			http.Error(w, "Only websocket clients are allowed", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket accept failed",
				logging.KeyRemoteAddr, r.RemoteAddr, logging.KeyError, err)
			return
		}
		conn.SetReadLimit(int64(s.cfg.Limits.MaxMessageSize))

		st := socket.New(socket.NewWSConn(conn), s.relay.Codec(), initial, r.RemoteAddr)
		st.OnSent(func(n int) { s.stats.BytesSent.Add(float64(n)) })
		clientType := initial.ClientType()
		if clientType == socket.TypeGateway {
			st.EnableInterestTracking(socket.NewInterestMap())
			s.dir.AddGateway(st)
		} else {
			s.dir.AddClient(st)
		}

		s.stats.ConnectionsTotal.WithLabelValues(r.URL.Path).Inc()
		s.stats.ConnectionsActive.WithLabelValues(string(clientType)).Inc()

		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.stats.ConnectionsActive.WithLabelValues(string(clientType)).Dec()
			s.relay.HandleInbound(ctx, st, socket.NewWSFrameReader(conn))
		}()
	}
}
