package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nainya/indexedcollections/internal/logger"
	"github.com/nainya/indexedcollections/internal/metrics"
)

func TestObservabilityEndpoints(t *testing.T) {
	m := metrics.NewMetrics()
	m.RecordSearch("exact", 2)
	o := NewObservabilityServer(0, m, logger.Nop())

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		o.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/health"); rec.Code != http.StatusOK {
		t.Errorf("Expected /health 200, got %d", rec.Code)
	}

	if rec := get("/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected /ready 503 before SetReady, got %d", rec.Code)
	}
	o.SetReady(true)
	if rec := get("/ready"); rec.Code != http.StatusOK {
		t.Errorf("Expected /ready 200, got %d", rec.Code)
	}

	rec := get("/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected /metrics 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "search_queries_total") {
		t.Errorf("Expected search metrics in output, got:\n%s", rec.Body.String())
	}
}
