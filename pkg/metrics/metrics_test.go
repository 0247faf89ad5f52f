package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTransaction(t *testing.T) {
	reg := New()
	reg.ObserveTransaction("success", 10*time.Millisecond)
	reg.ObserveTransaction("success", 0)
	reg.ObserveTransaction("conflict", 0)

	if got := testutil.ToFloat64(reg.Transactions.WithLabelValues("success")); got != 2 {
		t.Errorf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(reg.Transactions.WithLabelValues("conflict")); got != 1 {
		t.Errorf("expected 1 conflict, got %v", got)
	}
}

func TestObserveRollback(t *testing.T) {
	reg := New()
	reg.ObserveRollback(true)
	reg.ObserveRollback(false)
	reg.ObserveRollback(false)

	if got := testutil.ToFloat64(reg.Rollbacks.WithLabelValues("failed")); got != 2 {
		t.Errorf("expected 2 failed rollbacks, got %v", got)
	}
}

func TestPresetServerUp(t *testing.T) {
	reg := New()
	reg.SetPresetServerUp("us-east", true)
	reg.SetPresetServerUp("eu-west", false)

	if got := testutil.ToFloat64(reg.PresetServerUp.WithLabelValues("us-east")); got != 1 {
		t.Errorf("expected us-east up, got %v", got)
	}

	reg.ForgetPresetServer("eu-west")
	if count := testutil.CollectAndCount(reg.PresetServerUp); count != 1 {
		t.Errorf("expected 1 series after forget, got %d", count)
	}
}

func TestNilRegistry(t *testing.T) {
	var reg *Registry
	reg.ObserveTransaction("success", time.Second)
	reg.ObserveRollback(true)
	reg.SetRules(3)
	reg.SetPresetServerUp("x", true)
	reg.ForgetPresetServer("x")

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404 from nil registry handler, got %d", rec.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := New()
	reg.SetRules(4)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "ezproxy_rules 4") {
		t.Errorf("expected ezproxy_rules in exposition, got:\n%s", body)
	}
}
