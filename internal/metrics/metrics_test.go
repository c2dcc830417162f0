package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCall("ledger", "transfer", OutcomeOK, 20*time.Millisecond)
	m.RecordCall("ledger", "transfer", OutcomeTimeout, time.Second)

	if v := testutil.ToFloat64(m.Calls.WithLabelValues("ledger", "transfer", OutcomeOK)); v != 1 {
		t.Fatalf("expected 1 ok call, got %v", v)
	}
	if v := testutil.ToFloat64(m.Timeouts); v != 1 {
		t.Fatalf("expected 1 timeout, got %v", v)
	}
	if n := testutil.CollectAndCount(m.CallDuration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestRetryAndDenialCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordRetry("ledger.transfer")
	m.RecordRetry("ledger.transfer")
	m.RecordRateLimitDenial("swap")

	if v := testutil.ToFloat64(m.Retries.WithLabelValues("ledger.transfer")); v != 2 {
		t.Fatalf("expected 2 retries, got %v", v)
	}
	if v := testutil.ToFloat64(m.RateLimitDenials.WithLabelValues("swap")); v != 1 {
		t.Fatalf("expected 1 denial, got %v", v)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordCall("ledger", "balance", OutcomeOK, time.Millisecond)
	m.RecordRetry("op")
	m.RecordRateLimitDenial("general")
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
