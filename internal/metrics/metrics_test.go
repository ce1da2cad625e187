package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration
	a := NewMetrics()
	b := NewMetrics()
	defer a.Stop()
	defer b.Stop()

	a.RecordSearch("exact", 3)

	if got := testutil.ToFloat64(a.SearchResultsTotal); got != 3 {
		t.Errorf("Expected 3 results on a, got %v", got)
	}
	if got := testutil.ToFloat64(b.SearchResultsTotal); got != 0 {
		t.Errorf("Expected 0 results on b, got %v", got)
	}
}

func TestRecordAttributeWrite(t *testing.T) {
	m := NewMetrics()
	defer m.Stop()

	m.RecordAttributeWrite("set", nil)
	m.RecordAttributeWrite("set", errors.New("store down"))
	m.RecordAttributeWrite("set", nil)

	if got := testutil.ToFloat64(m.AttributeWritesTotal.WithLabelValues("set", "success")); got != 2 {
		t.Errorf("Expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(m.AttributeWritesTotal.WithLabelValues("set", "error")); got != 1 {
		t.Errorf("Expected 1 error, got %v", got)
	}
}

func TestRecordStoreOperation(t *testing.T) {
	m := NewMetrics()
	defer m.Stop()

	m.RecordStoreOperation("put", "index", "success", time.Millisecond)

	if got := testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("put", "index", "success")); got != 1 {
		t.Errorf("Expected 1 operation, got %v", got)
	}
	if n := testutil.CollectAndCount(m.StoreOperationDuration); n != 1 {
		t.Errorf("Expected 1 histogram series, got %d", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewMetrics()
	m.StartUptime(time.Millisecond)
	m.Stop()
	m.Stop()
}
