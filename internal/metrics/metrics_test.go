package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mrcode/nightscout-loop/internal/dosing"
	"github.com/mrcode/nightscout-loop/internal/loop"
	"github.com/mrcode/nightscout-loop/internal/models"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{loop.ErrMissingGlucose, "missing_glucose"},
		{fmt.Errorf("cycle: %w", loop.ErrGlucoseTooOld), "glucose_too_old"},
		{&loop.CoverageError{Schedule: "basal", At: time.Now()}, "coverage"},
		{&loop.ValidationError{Field: "maxBolus", Reason: "must not be negative"}, "validation"},
		{fmt.Errorf("boom"), "other"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestObserveRun(t *testing.T) {
	s := NewStats()

	out := &loop.Output{
		Type:          loop.TempBasal,
		TempBasal:     &dosing.TempBasal{UnitsPerHour: 2.5, Duration: 30 * time.Minute},
		ActiveInsulin: 1.25,
		ActiveCarbs:   12,
		PredictedGlucose: []models.PredictedGlucoseValue{
			{Quantity: 180}, {Quantity: 150},
		},
	}
	s.ObserveRun(loop.TempBasal, out, nil, 5*time.Millisecond)
	cancel := dosing.CancelTempBasal()
	s.ObserveRun(loop.TempBasal, &loop.Output{Type: loop.TempBasal, TempBasal: &cancel}, nil, time.Millisecond)
	s.ObserveRun(loop.AutomaticBolus, nil, loop.ErrGlucoseTooOld, time.Millisecond)

	if got := testutil.ToFloat64(s.Cycles.WithLabelValues("tempBasal", "temp_basal")); got != 1 {
		t.Errorf("cycles{tempBasal,temp_basal} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.Cycles.WithLabelValues("tempBasal", "cancel")); got != 1 {
		t.Errorf("cycles{tempBasal,cancel} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.Cycles.WithLabelValues("automaticBolus", "error")); got != 1 {
		t.Errorf("cycles{automaticBolus,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.Errors.WithLabelValues("glucose_too_old")); got != 1 {
		t.Errorf("errors{glucose_too_old} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.EventualGlucose); got != 150 {
		t.Errorf("eventual glucose = %v, want 150", got)
	}
	if got := testutil.CollectAndCount(s.CycleDuration); got != 1 {
		t.Errorf("CollectAndCount(cycle duration) = %d, want 1", got)
	}
}

func TestMiddleware_Handler(t *testing.T) {
	s := NewStats()
	h := s.Middleware("recommendation", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/recommendation", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	if got := testutil.ToFloat64(s.HTTPRequests.WithLabelValues("recommendation", "422")); got != 1 {
		t.Errorf("requests{recommendation,422} = %v, want 1", got)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "nsloop_http_requests_total") {
		t.Error("/metrics output should contain nsloop_http_requests_total")
	}
}
