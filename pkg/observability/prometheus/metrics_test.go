package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics_RegistersOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	if m == nil {
		t.Fatalf("nil metrics")
	}

	m.OpsAppliedTotal.WithLabelValues("insert").Inc()
	m.DurableSeq.Set(42)
	m.PersistBatchOps.Observe(8)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("no metric families registered")
	}
}

func TestGetMetrics_Singleton(t *testing.T) {
	if GetMetrics() != GetMetrics() {
		t.Fatalf("GetMetrics should return the same instance")
	}
}
