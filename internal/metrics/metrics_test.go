package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordInsert(5, 2)
	m.RowsSkipped("too_few_columns", 3)
	m.Delivery("prod", true, "media")
	m.ObserveWebhook("send", 20*time.Millisecond)

	if got := testutil.ToFloat64(m.recordsInserted); got != 5 {
		t.Fatalf("expected 5 inserted, got %v", got)
	}
	if got := testutil.ToFloat64(m.rowsSkipped.WithLabelValues("too_few_columns")); got != 3 {
		t.Fatalf("expected 3 skipped, got %v", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("prod", "delivered", "media")); got != 1 {
		t.Fatalf("expected one delivery, got %v", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered families")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordInsert(1, 1)
	m.Archive("done")
	m.ScheduledRun("daily", "ok")
	m.BreakerState("prod", 2)
}
