package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProbeFailure()
	c.RecordProbeFailure()
	c.RecordFallback("append_entry")
	c.RecordReconcile(true)
	c.RecordMergedEntries("mood_history", 3)
	c.RecordOtpOutcome("expired")

	if v := counterValue(t, reg, "mindspace_probe_failures_total", nil); v != 2 {
		t.Errorf("probe_failures_total = %v, want 2", v)
	}
	if v := counterValue(t, reg, "mindspace_local_fallbacks_total", map[string]string{"op": "append_entry"}); v != 1 {
		t.Errorf("local_fallbacks_total = %v, want 1", v)
	}
	if v := counterValue(t, reg, "mindspace_reconciles_total", map[string]string{"merged": "true"}); v != 1 {
		t.Errorf("reconciles_total = %v, want 1", v)
	}
	if v := counterValue(t, reg, "mindspace_merged_entries_total", map[string]string{"kind": "mood_history"}); v != 3 {
		t.Errorf("merged_entries_total = %v, want 3", v)
	}
	if v := counterValue(t, reg, "mindspace_otp_outcomes_total", map[string]string{"outcome": "expired"}); v != 1 {
		t.Errorf("otp_outcomes_total = %v, want 1", v)
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordFallback("get")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "mindspace_local_fallbacks_total") {
		t.Errorf("scrape output missing fallback counter:\n%s", body)
	}
}

func TestOrNop(t *testing.T) {
	m := OrNop(nil)
	m.RecordFallback("x")
	if _, ok := m.(Nop); !ok {
		t.Errorf("OrNop(nil) = %T, want Nop", m)
	}
}
