package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersEveryMetric(t *testing.T) {
	m := New()
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.TicksTotal.Inc()
	m.TurnsTotal.WithLabelValues("ok").Inc()
	m.MergeOutcomes.WithLabelValues("fast_forward").Inc()

	if got := testutil.ToFloat64(m.TicksTotal); got != 1 {
		t.Fatalf("expected ticks_total=1, got %v", got)
	}
}
