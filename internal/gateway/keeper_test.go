package gateway

import (
	"context"
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

func TestKeeper_RetriesFailedDials(t *testing.T) {
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
		PreSharedKey:            "psk",
		AllowedProtocolVersions: []int{1},
		MaxBytesBeforeAuth:      100000,
		MaxMessageSize:          1 << 20,
		GracefulCloseTimeout:    time.Second,
	}, identity, dir, registry.NewMemory(), pending.NewStore(stats), membus, membus,
		logging.NopLogger(), stats)

	// Nothing listens on this port; every dial fails fast and the
	// supervisor keeps retrying on the reconnect interval.
	target := "ws://127.0.0.1:1/gateway"
	k := New([]string{target}, "IID", r, dir,
		30*time.Second, 10*time.Millisecond, logging.NopLogger(), stats)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for k.FailedAttempts(target) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := k.FailedAttempts(target); got < 2 {
		t.Errorf("failed attempts = %d, want at least 2", got)
	}
	if _, gateways := dir.Counts(); gateways != 0 {
		t.Errorf("failed dials must not leave gateway entries, got %d", gateways)
	}
}
