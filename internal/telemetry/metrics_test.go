package telemetry

import (
	"strings"
	"testing"
)

func TestSnapshotClampsNegativeStreams(t *testing.T) {
	m := &Metrics{}
	m.ActiveStreams.Add(-2)
	snap := m.Snapshot()
	if snap["active_streams"] != 0 {
		t.Fatalf("active_streams = %d", snap["active_streams"])
	}
}

func TestPrometheusText(t *testing.T) {
	m := &Metrics{}
	m.ToolCalls.Add(3)
	m.GenerateRequests.Add(1)

	text := m.PrometheusText()
	if !strings.Contains(text, "fable_tool_calls 3\n") {
		t.Fatalf("missing tool_calls:\n%s", text)
	}
	if !strings.Contains(text, "# TYPE fable_generate_requests counter\n") {
		t.Fatalf("missing TYPE line:\n%s", text)
	}
	if !strings.Contains(text, "# TYPE fable_active_streams gauge\n") {
		t.Fatalf("active_streams should be a gauge:\n%s", text)
	}
	// Output is sorted so scrapes diff cleanly.
	if strings.Index(text, "fable_generate_requests") > strings.Index(text, "fable_tool_calls") {
		t.Fatalf("metrics not sorted:\n%s", text)
	}
}
