package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/duplicati/console-machineserver/internal/bus"
	"github.com/duplicati/console-machineserver/internal/config"
	"github.com/duplicati/console-machineserver/internal/directory"
	"github.com/duplicati/console-machineserver/internal/keys"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/metrics"
	"github.com/duplicati/console-machineserver/internal/pending"
	"github.com/duplicati/console-machineserver/internal/registry"
	"github.com/duplicati/console-machineserver/internal/relay"
)

func startTestServer(t *testing.T, redirectURL string) (*Server, string) {
	t.Helper()

	cfg := config.Default()
	cfg.Node.Role = config.RoleService
	cfg.Node.InstanceID = "IID"
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.RedirectURL = redirectURL
	cfg.Timeouts.GracefulCloseTimeout = time.Second

	identity, err := keys.Generate(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	stats := metrics.Disabled()
	dir := directory.New()
	membus := bus.NewMemory()
	r := relay.New(relay.Settings{
		Role:                    config.RoleService,
		InstanceID:              "IID",
		AllowedProtocolVersions: []int{1},
		MaxBytesBeforeAuth:      100000,
		MaxMessageSize:          1 << 20,
		GracefulCloseTimeout:    time.Second,
	}, identity, dir, registry.NewMemory(), pending.NewStore(stats), membus, membus,
		logging.NopLogger(), stats)

	s := New(cfg, r, dir, logging.NopLogger(), stats)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	return s, "http://" + s.Addr()
}

func TestServer_Health(t *testing.T) {
	_, base := startTestServer(t, "")

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_RootRedirectsOr404(t *testing.T) {
	_, base := startTestServer(t, "https://example.com/console")

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(base + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://example.com/console" {
		t.Errorf("location = %s", loc)
	}

	_, base = startTestServer(t, "")
	resp, err = http.Get(base + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_NonWebSocketClientRejected(t *testing.T) {
	_, base := startTestServer(t, "")

	for _, path := range []string{PathAgent, PathPortal} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, resp.StatusCode)
		}
		if string(body) != "Only websocket clients are allowed\n" {
			t.Errorf("GET %s body = %q", path, string(body))
		}
	}
}

func TestServer_GatewayPathOnlyForGatewayRole(t *testing.T) {
	_, base := startTestServer(t, "")

	// The service role does not terminate gateway ingress.
	resp, err := http.Get(base + PathGateway)
	if err != nil {
		t.Fatalf("GET /gateway: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 on service role", resp.StatusCode)
	}
}
