package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("openai", "gpt-4.1-mini", "chat", "success", 1.5)
	RecordRequest("openai", "gpt-4.1-mini", "stream", "error", 0.2)

	success := testutil.ToFloat64(RequestsTotal.WithLabelValues("openai", "gpt-4.1-mini", "chat", "success"))
	if success != 1 {
		t.Errorf("success count = %v, want 1", success)
	}

	failed := testutil.ToFloat64(RequestsTotal.WithLabelValues("openai", "gpt-4.1-mini", "stream", "error"))
	if failed != 1 {
		t.Errorf("error count = %v, want 1", failed)
	}
}

func TestRecordDegradedOp(t *testing.T) {
	DegradedOps.Reset()

	RecordDegradedOp("search")
	RecordDegradedOp("search")
	RecordDegradedOp("persist")

	search := testutil.ToFloat64(DegradedOps.WithLabelValues("search"))
	if search != 2 {
		t.Errorf("search degradations = %v, want 2", search)
	}

	persist := testutil.ToFloat64(DegradedOps.WithLabelValues("persist"))
	if persist != 1 {
		t.Errorf("persist degradations = %v, want 1", persist)
	}
}

func TestRecordProviderError(t *testing.T) {
	ProviderErrors.Reset()

	RecordProviderError("openai")
	RecordProviderError("openai")
	RecordProviderError("gemini")

	openai := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai"))
	if openai != 2 {
		t.Errorf("openai errors = %v, want 2", openai)
	}
}

func TestActiveStreamsGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveStreams)

	IncActiveStreams()
	IncActiveStreams()
	DecActiveStreams()

	after := testutil.ToFloat64(ActiveStreams)
	if after-before != 1 {
		t.Errorf("gauge delta = %v, want 1", after-before)
	}
	DecActiveStreams()
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("openai", 1)

	state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai"))
	if state != 1 {
		t.Errorf("state = %v, want 1", state)
	}
}
