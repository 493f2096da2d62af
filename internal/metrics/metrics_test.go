package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TableOp("samples", "insert", nil)
	m.TableOp("samples", "insert", nil)
	m.TableOp("samples", "insert", errors.New("boom"))
	m.SetRecords("samples", 12)
	m.LockFailed("samples", "timeout")
	m.LockWaited("samples", 10*time.Millisecond)
	m.StorageOp("directory", "store", time.Now(), errors.New("disk full"))
	m.Repaired()

	if got := testutil.ToFloat64(m.TableOpsTotal.WithLabelValues("samples", "insert", "ok")); got != 2 {
		t.Errorf("ops ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TableOpsTotal.WithLabelValues("samples", "insert", "error")); got != 1 {
		t.Errorf("ops error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TableRecords.WithLabelValues("samples")); got != 12 {
		t.Errorf("records = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.LockFailuresTotal.WithLabelValues("samples", "timeout")); got != 1 {
		t.Errorf("lock failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StorageErrorsTotal.WithLabelValues("directory", "store")); got != 1 {
		t.Errorf("storage errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FileRepairsTotal); got != 1 {
		t.Errorf("repairs = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.LockWaitDuration); n != 1 {
		t.Errorf("lock wait series = %d, want 1", n)
	}
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.TableOp("t", "get", nil)
	m.SetRecords("t", 1)
	m.LockWaited("t", time.Second)
	m.LockFailed("t", "stopping")
	m.Refreshed("t", nil)
	m.StorageOp("sqlite", "load", time.Now(), nil)
	m.Repaired()
	m.WatcherEvent("d")
}
