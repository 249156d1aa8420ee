package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gatherOne returns the metric family named name, or nil.
func gatherOne(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// labelsMatch reports whether m carries every label in want.
func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetrics_EndpointServesRegistry(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	// The request that served /metrics is recorded after the fact, so an
	// earlier request must be visible.
	w = e.do(t, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(w.Body.String(), "kbchat_http_requests_total") {
		t.Error("kbchat_http_requests_total missing from /metrics output")
	}
}

func TestMetrics_StreamLifecycle(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	finish := m.streamStarted("ws")
	if mf := gatherOne(t, reg, "kbchat_chat_active_streams"); mf.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Error("active_streams should be 1 while the stream runs")
	}
	finish("stopped")

	if mf := gatherOne(t, reg, "kbchat_chat_active_streams"); mf.GetMetric()[0].GetGauge().GetValue() != 0 {
		t.Error("active_streams should return to 0")
	}
	mf := gatherOne(t, reg, "kbchat_chat_requests_total")
	if mf == nil {
		t.Fatal("kbchat_chat_requests_total not gathered")
	}
	found := false
	for _, metric := range mf.GetMetric() {
		if labelsMatch(metric, map[string]string{"transport": "ws", "outcome": "stopped"}) {
			found = metric.GetCounter().GetValue() == 1
		}
	}
	if !found {
		t.Error(`kbchat_chat_requests_total{transport="ws",outcome="stopped"} != 1`)
	}
}

func TestMetrics_ObserveIngestion(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveIngestion("success", 12, 2*time.Second)
	m.ObserveIngestion("EmptyContent", 0, time.Second)

	if mf := gatherOne(t, reg, "kbchat_ingestion_chunks_total"); mf.GetMetric()[0].GetCounter().GetValue() != 12 {
		t.Error("chunks_total should be 12")
	}
	mf := gatherOne(t, reg, "kbchat_ingestion_runs_total")
	if mf == nil || len(mf.GetMetric()) != 2 {
		t.Fatalf("runs_total should have two outcome series, got %v", mf)
	}
}
