package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Admission("reply", "direct")
	m.Admission("reply", "direct")
	m.Admission("ignore", "classifier_no")
	m.Cycle("ok", 3*time.Second)
	m.Cycle("busy", 0)
	m.Quota(true)
	m.Quota(false)
	m.Command("imagine")

	if got := testutil.ToFloat64(m.admissions.WithLabelValues("reply", "direct")); got != 2 {
		t.Errorf("admissions{reply,direct} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cycles.WithLabelValues("busy")); got != 1 {
		t.Errorf("cycles{busy} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.quota.WithLabelValues("denied")); got != 1 {
		t.Errorf("quota{denied} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("imagine")); got != 1 {
		t.Errorf("commands{imagine} = %v, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Admission("reply", "direct")
	m.Cycle("ok", time.Second)
	m.Quota(true)
	m.Command("usage")
	if m.Handler() == nil {
		t.Error("Handler() on nil Metrics = nil")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Cycle("ok", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`chatterbox_response_cycles_total{result="ok"} 1`,
		"chatterbox_response_cycle_seconds_count 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
