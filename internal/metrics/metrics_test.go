package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if jobTransitionsTotal == nil || webhookTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveTransition(t *testing.T) {
	Init()
	before := testutil.ToFloat64(jobTransitionsTotal.WithLabelValues("running", "analyzing"))
	ObserveTransition("running", "analyzing")
	after := testutil.ToFloat64(jobTransitionsTotal.WithLabelValues("running", "analyzing"))
	if after-before != 1 {
		t.Errorf("expected transition counter to grow by 1, got %f", after-before)
	}
}

func TestObserveWebhookAndDiscard(t *testing.T) {
	Init()
	before := testutil.ToFloat64(webhookTotal.WithLabelValues("conflict"))
	ObserveWebhook("conflict")
	if got := testutil.ToFloat64(webhookTotal.WithLabelValues("conflict")); got-before != 1 {
		t.Errorf("expected webhook counter to grow by 1, got %f", got-before)
	}

	discarded := testutil.ToFloat64(analysisDiscardedTotal)
	ObserveAnalysisDiscarded()
	if got := testutil.ToFloat64(analysisDiscardedTotal); got-discarded != 1 {
		t.Errorf("expected discard counter to grow by 1, got %f", got-discarded)
	}
}

func TestObserveAnalysisRecordsHistogram(t *testing.T) {
	ObserveAnalysis("mock", "success", 2*time.Second)
	if n := testutil.CollectAndCount(analysisDurationSeconds); n <= 0 {
		t.Errorf("expected analysis histogram to be observed, got %d", n)
	}
}
