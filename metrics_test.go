package gridsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()

	collector := NewPrometheusMetrics(registry)

	collector.ConnectionOpened("c1")

	collector.ConnectionClosed("c1", time.Second)

	collector.RoomJoined("u1", "f1")

	collector.RoomLeft("u1", "f1")

	collector.EventRelayed("f1", fileUpdatedEvent, 3)

	collector.SaveApplied("f1", 2, 1, 1)

	collector.Error("gateway", fmt.Errorf("boom"))

	collector.Error("gateway", nil)

	m := collector.(*prometheusMetrics)

	if got := testutil.ToFloat64(m.connectionsOpened); got != 1 {
		t.Errorf("connections opened = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.roomJoins.WithLabelValues("f1")); got != 1 {
		t.Errorf("room joins = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.eventsRelayed.WithLabelValues(fileUpdatedEvent)); got != 1 {
		t.Errorf("events relayed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.savesApplied); got != 2 {
		t.Errorf("saves applied = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.saveConflicts); got != 1 {
		t.Errorf("save conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("gateway")); got != 1 {
		t.Errorf("errors = %v, want 1 (nil errors must not count)", got)
	}
}

func TestNoopMetricsIsSafe(t *testing.T) {
	collector := NoopMetrics()

	collector.ConnectionOpened("c1")

	collector.ConnectionClosed("c1", 0)

	collector.RoomJoined("u1", "f1")

	collector.RoomLeft("u1", "f1")

	collector.EventRelayed("f1", "x", 0)

	collector.SaveApplied("f1", 0, 0, 0)

	collector.Error("x", nil)
}
