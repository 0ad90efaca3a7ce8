package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

type Metrics struct {
	GenerateRequests  atomic.Uint64
	ActiveStreams     atomic.Int64
	ProviderCalls     atomic.Uint64
	ProviderErrors    atomic.Uint64
	ToolCalls         atomic.Uint64
	ToolErrors        atomic.Uint64
	PluginLoads       atomic.Uint64
	PluginErrors      atomic.Uint64
	PluginUnloads     atomic.Uint64
	HealthSweeps      atomic.Uint64
	MessagesPersisted atomic.Uint64
}

func (m *Metrics) Snapshot() map[string]uint64 {
	streams := m.ActiveStreams.Load()
	if streams < 0 {
		streams = 0
	}
	return map[string]uint64{
		"generate_requests":  m.GenerateRequests.Load(),
		"active_streams":     uint64(streams),
		"provider_calls":     m.ProviderCalls.Load(),
		"provider_errors":    m.ProviderErrors.Load(),
		"tool_calls":         m.ToolCalls.Load(),
		"tool_errors":        m.ToolErrors.Load(),
		"plugin_loads":       m.PluginLoads.Load(),
		"plugin_errors":      m.PluginErrors.Load(),
		"plugin_unloads":     m.PluginUnloads.Load(),
		"health_sweeps":      m.HealthSweeps.Load(),
		"messages_persisted": m.MessagesPersisted.Load(),
	}
}

// PrometheusText renders every metric in the text exposition format under a
// fable_ prefix, sorted by name so consecutive scrapes diff cleanly. All
// metrics are counters except active_streams, the only one that can go down.
func (m *Metrics) PrometheusText() string {
	snap := m.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		kind := "counter"
		if name == "active_streams" {
			kind = "gauge"
		}
		fmt.Fprintf(&b, "# TYPE fable_%s %s\nfable_%s %d\n", name, kind, name, snap[name])
	}
	return b.String()
}
