package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	ReadCounter.WithLabelValues("remote").Inc()
	WriteCounter.Inc()
	ConflictCounter.WithLabelValues("document").Inc()
	LockAcquireCounter.WithLabelValues(OutcomeAcquired).Inc()
	HeartbeatCounter.WithLabelValues(OutcomeOK).Inc()
	LockLostCounter.Inc()
	CacheDegradedCounter.WithLabelValues("get").Inc()
	WatcherGauge.Set(2)
	WatchChangeCounter.Inc()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 9 {
		t.Fatalf("expected 9 metric families, got %d", len(mfs))
	}
	if got := testutil.ToFloat64(WatcherGauge); got != 2 {
		t.Fatalf("unexpected watcher gauge %v", got)
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
