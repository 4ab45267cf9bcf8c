// Package metrics exposes control cycle statistics to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrcode/nightscout-loop/internal/loop"
)

// Stats holds the collectors on a registry of its own
type Stats struct {
	Registry *prometheus.Registry

	Cycles           *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	TempBasalRate    prometheus.Histogram
	BolusUnits       prometheus.Histogram
	ActiveInsulin    prometheus.Gauge
	ActiveCarbs      prometheus.Gauge
	EventualGlucose  prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestTimes *prometheus.HistogramVec
}

// NewStats creates and registers the collectors
func NewStats() *Stats {
	s := &Stats{
		Registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsloop_cycles_total",
			Help: "Control cycles by recommendation type and outcome.",
		}, []string{"type", "outcome"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsloop_errors_total",
			Help: "Failed control cycles by error kind.",
		}, []string{"kind"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nsloop_cycle_duration_seconds",
			Help:    "Time spent computing one recommendation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		TempBasalRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nsloop_temp_basal_rate_units_per_hour",
			Help:    "Recommended temp basal rates.",
			Buckets: []float64{0, 0.25, 0.5, 1, 1.5, 2, 3, 4, 5},
		}),
		BolusUnits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nsloop_bolus_units",
			Help:    "Recommended bolus volumes.",
			Buckets: []float64{0, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		ActiveInsulin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nsloop_insulin_on_board_units",
			Help: "Insulin on board at the latest decision.",
		}),
		ActiveCarbs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nsloop_carbs_on_board_grams",
			Help: "Carbs on board at the latest decision.",
		}),
		EventualGlucose: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nsloop_eventual_glucose_mgdl",
			Help: "Last value of the latest forecast.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsloop_http_requests_total",
			Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPRequestTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nsloop_http_request_duration_seconds",
			Help:    "API request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	s.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.Cycles, s.Errors, s.CycleDuration, s.TempBasalRate, s.BolusUnits,
		s.ActiveInsulin, s.ActiveCarbs, s.EventualGlucose, s.HTTPRequests, s.HTTPRequestTimes,
	)
	return s
}

// Handler serves the registry in the Prometheus exposition format
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})
}

// ErrorKind maps an algorithm error onto a low-cardinality label
func ErrorKind(err error) string {
	var validation *loop.ValidationError
	switch {
	case errors.Is(err, loop.ErrMissingGlucose):
		return "missing_glucose"
	case errors.Is(err, loop.ErrGlucoseTooOld):
		return "glucose_too_old"
	case errors.Is(err, loop.ErrBasalTimelineIncomplete):
		return "coverage"
	case errors.As(err, &validation):
		return "validation"
	}
	return "other"
}

// ObserveRun records the result of one algorithm run
func (s *Stats) ObserveRun(typ loop.RecommendationType, out *loop.Output, err error, elapsed time.Duration) {
	s.CycleDuration.Observe(elapsed.Seconds())
	if err != nil {
		s.Cycles.WithLabelValues(string(typ), "error").Inc()
		s.Errors.WithLabelValues(ErrorKind(err)).Inc()
		return
	}

	outcome := "none"
	switch {
	case out.ManualBolus != nil:
		outcome = "bolus"
		s.BolusUnits.Observe(out.ManualBolus.Units)
	case out.AutomaticBolus != nil:
		outcome = "bolus"
		s.BolusUnits.Observe(out.AutomaticBolus.BolusUnits)
		if tb := out.AutomaticBolus.BasalAdjustment; tb != nil {
			s.TempBasalRate.Observe(tb.UnitsPerHour)
		}
	case out.TempBasal != nil:
		outcome = "temp_basal"
		if out.TempBasal.IsCancel() {
			outcome = "cancel"
		} else {
			s.TempBasalRate.Observe(out.TempBasal.UnitsPerHour)
		}
	}
	s.Cycles.WithLabelValues(string(typ), outcome).Inc()
	s.ActiveInsulin.Set(out.ActiveInsulin)
	s.ActiveCarbs.Set(out.ActiveCarbs)
	if n := len(out.PredictedGlucose); n > 0 {
		s.EventualGlucose.Set(out.PredictedGlucose[n-1].Quantity)
	}
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts and times requests under route
func (s *Stats) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		s.HTTPRequestTimes.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
