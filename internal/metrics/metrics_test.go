package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSettlement("", time.Second)
	m.ObserveCollection(1, 1)
	m.ObserveCollectionFailure("x")
	m.SetRentPool(1, 2)
	m.ObserveDeadLetter("x")
}

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveSettlement("", time.Millisecond)
	m.ObserveSettlement("nonce_already_used", time.Millisecond)
	m.ObserveSettlement("nonce_already_used", time.Millisecond)
	m.ObserveCollection(2, 2_004_480)
	m.SetRentPool(7, 3)

	if got := testutil.ToFloat64(m.settlements.WithLabelValues("nonce_already_used")); got != 2 {
		t.Errorf("nonce_already_used = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.gcReclaimed); got != 2_004_480 {
		t.Errorf("gc reclaimed = %v", got)
	}
	if got := testutil.ToFloat64(m.poolEscrowed); got != 3 {
		t.Errorf("escrowed gauge = %v, want 3", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveDeadLetter("payment_expired")
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), `xusdc_settle_queue_dead_letters_total{code="payment_expired"} 1`) {
		t.Errorf("metric missing from exposition:\n%s", w.Body.String())
	}
}
