package plugin

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/fablehost/fable/internal/protocol"
	"github.com/fablehost/fable/internal/telemetry"
)

func TestNewHealthMonitorRejectsBadSpec(t *testing.T) {
	reg := newTestRegistry(t, nil)
	defer reg.Close()

	if _, err := NewHealthMonitor(reg, "every thirty seconds", log.New(io.Discard, "", 0), nil); err == nil {
		t.Fatal("expected parse error for bad schedule spec")
	}
}

func TestNewHealthMonitorDefaultsSpec(t *testing.T) {
	reg := newTestRegistry(t, nil)
	defer reg.Close()

	h, err := NewHealthMonitor(reg, "", log.New(io.Discard, "", 0), nil)
	if err != nil {
		t.Fatalf("default spec rejected: %v", err)
	}
	if h.schedule == nil {
		t.Fatal("schedule not set")
	}
}

func TestSweepRemovesDeadAndCounts(t *testing.T) {
	p := &scriptedPlugin{name: "mortal", tools: []protocol.ToolDecl{echoTool("ping")}}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/p/mortal": p})
	defer reg.Close()
	if _, err := reg.Load(context.Background(), "/p/mortal"); err != nil {
		t.Fatal(err)
	}

	metrics := &telemetry.Metrics{}
	h, err := NewHealthMonitor(reg, "@every 30s", log.New(io.Discard, "", 0), metrics)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}

	h.sweep()
	if got := metrics.HealthSweeps.Load(); got != 1 {
		t.Fatalf("sweep count %d", got)
	}
	if got := reg.Manifests(); len(got) != 1 {
		t.Fatalf("healthy plugin removed: %+v", got)
	}

	reg.mu.RLock()
	inst := reg.plugins["mortal"].instance
	reg.mu.RUnlock()
	_ = inst.kill()

	h.sweep()
	if got := metrics.HealthSweeps.Load(); got != 2 {
		t.Fatalf("sweep count %d", got)
	}
	if got := reg.Manifests(); len(got) != 0 {
		t.Fatalf("dead plugin still listed: %+v", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	reg := newTestRegistry(t, nil)
	defer reg.Close()

	h, err := NewHealthMonitor(reg, "@every 1h", log.New(io.Discard, "", 0), nil)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	h.Start()
	h.Start()
	h.Stop()
	h.Stop()
}
