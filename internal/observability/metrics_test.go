package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountRowsByOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.IncRow("success")
	metrics.IncRow("success")
	metrics.IncRow("conflict")

	if got := testutil.ToFloat64(metrics.rows.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.rows.WithLabelValues("conflict")); got != 1 {
		t.Fatalf("expected 1 conflict, got %v", got)
	}
}

func TestMetricsReuseAlreadyRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)

	first.IncRun("done")
	second.IncRun("done")

	if got := testutil.ToFloat64(first.runs.WithLabelValues("done")); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics
	metrics.IncRun("done")
	metrics.IncLayer("ok")
	metrics.IncRow("failed")
	metrics.IncFailure("auth")
}

func TestTokenHashIsStableAndShort(t *testing.T) {
	if TokenHash("") != "" {
		t.Fatal("expected empty hash for empty token")
	}
	a := TokenHash("secret")
	b := TokenHash("secret")
	if a != b {
		t.Fatalf("expected stable hash, got %q and %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(a))
	}
}
