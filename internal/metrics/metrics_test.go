package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	// Gathering should succeed and return registered metric families.
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	// No samples yet, but families are registered on first use;
	// force a sample so we can verify at least one family appears.
	m.CacheLoadsTotal.Inc()
	fams, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather after inc failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation(true, 3)
	m.RecordEvaluation(true, 1)
	m.RecordEvaluation(false, 0)

	blockedCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("true"))
	allowedCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("false"))

	if blockedCount != 2 {
		t.Fatalf("expected blocked count 2, got %v", blockedCount)
	}
	if allowedCount != 1 {
		t.Fatalf("expected allowed count 1, got %v", allowedCount)
	}

	if histCount := testutil.CollectAndCount(m.RulesApplied, "decisio_rules_applied_per_evaluation"); histCount != 1 {
		t.Fatalf("expected rules-applied histogram to be collectable, got %d series", histCount)
	}
}

func TestSetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize(5)
	if val := testutil.ToFloat64(m.CacheSize); val != 5 {
		t.Fatalf("expected cache size 5, got %v", val)
	}

	m.SetCacheSize(0)
	if val := testutil.ToFloat64(m.CacheSize); val != 0 {
		t.Fatalf("expected cache size 0, got %v", val)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheLoadsTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "decisio_cache_loads_total") {
		t.Fatal("expected response to contain decisio_cache_loads_total")
	}
}

func TestIncCacheLoads(t *testing.T) {
	m := New()

	m.IncCacheLoads()
	m.IncCacheLoads()

	if v := testutil.ToFloat64(m.CacheLoadsTotal); v != 2 {
		t.Fatalf("expected cache loads 2, got %v", v)
	}
}

func TestIncCacheInvalidations(t *testing.T) {
	m := New()

	m.IncCacheInvalidations()
	m.IncCacheInvalidations()
	m.IncCacheInvalidations()

	if v := testutil.ToFloat64(m.CacheInvalidations); v != 3 {
		t.Fatalf("expected cache invalidations 3, got %v", v)
	}
}
