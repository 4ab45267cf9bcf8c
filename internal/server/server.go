// Package server exposes the dosing algorithm and the run log over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mrcode/nightscout-loop/internal/audit"
	"github.com/mrcode/nightscout-loop/internal/log"
	"github.com/mrcode/nightscout-loop/internal/loop"
	"github.com/mrcode/nightscout-loop/internal/metrics"
)

// maxBodyBytes bounds request bodies; a day of 1-minute CGM data is well below it.
const maxBodyBytes = 8 << 20

// defaultAuditSpan is how far back GET /api/v1/audit looks without a start parameter.
const defaultAuditSpan = 24 * time.Hour

// Server handles the REST API
type Server struct {
	algorithm *loop.Algorithm
	audit     *audit.Log
	stats     *metrics.Stats
	format    formatter
	now       func() time.Time

	httpServer *http.Server
}

// New creates a server. auditLog may be nil, which disables recording and the audit routes.
func New(addr string, algorithm *loop.Algorithm, auditLog *audit.Log, stats *metrics.Stats) *Server {
	s := &Server{
		algorithm: algorithm,
		audit:     auditLog,
		stats:     stats,
		now:       time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/recommendation", s.route("recommendation", s.handleRecommendation)).Methods(http.MethodPost)
	api.Handle("/prediction", s.route("prediction", s.handlePrediction)).Methods(http.MethodPost)
	if s.audit != nil {
		api.Handle("/audit", s.route("audit", s.handleAuditRange)).Methods(http.MethodGet)
		api.Handle("/audit/latest", s.route("audit_latest", s.handleAuditLatest)).Methods(http.MethodGet)
	}

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", s.stats.Handler())

	return otelhttp.NewHandler(router, "nightscout-loop")
}

func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	return otelhttp.WithRouteTag("/api/v1/"+name, s.stats.Middleware(name, h))
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting REST server on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infof("Shutting down the REST server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) writeError(w http.ResponseWriter, req *http.Request, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if status == http.StatusUnprocessableEntity {
		resp.Kind = metrics.ErrorKind(err)
	}
	if werr := s.format.write(w, req, status, resp); werr != nil {
		log.Errorf("error writing response: %v", werr)
	}
}

// statusFor maps algorithm errors onto HTTP status codes
func statusFor(err error) int {
	var validation *loop.ValidationError
	switch {
	case errors.Is(err, loop.ErrMissingGlucose),
		errors.Is(err, loop.ErrGlucoseTooOld),
		errors.Is(err, loop.ErrBasalTimelineIncomplete),
		errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) decodeInput(w http.ResponseWriter, req *http.Request) (loop.Input, bool) {
	in, err := loop.DecodeFixture(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var validation *loop.ValidationError
		if errors.As(err, &validation) {
			status = http.StatusUnprocessableEntity
		}
		s.writeError(w, req, status, err)
		return loop.Input{}, false
	}
	return in, true
}

// handleRecommendation runs the algorithm on a posted input
func (s *Server) handleRecommendation(w http.ResponseWriter, req *http.Request) {
	in, ok := s.decodeInput(w, req)
	if !ok {
		return
	}

	start := time.Now()
	out, err := s.algorithm.Run(in)
	s.stats.ObserveRun(in.RecommendationType, &out, err, time.Since(start))
	s.record(in, &out, err)

	if err != nil {
		s.writeError(w, req, statusFor(err), err)
		return
	}
	if err := s.format.write(w, req, http.StatusOK, out); err != nil {
		log.Errorf("error encoding recommendation: %v", err)
	}
}

// record stores an API run in the audit log when one is configured
func (s *Server) record(in loop.Input, out *loop.Output, err error) {
	if s.audit == nil {
		return
	}
	at := out.PredictionStart
	if err != nil {
		out = nil
		at = s.now()
	}
	if _, aerr := s.audit.Record(at, "api", &in, out, err); aerr != nil {
		log.Errorf("failed to record run: %v", aerr)
	}
}

// handlePrediction returns the forecast and its effects without a dosing decision
func (s *Server) handlePrediction(w http.ResponseWriter, req *http.Request) {
	in, ok := s.decodeInput(w, req)
	if !ok {
		return
	}
	pred, err := s.algorithm.Predict(in)
	if err != nil {
		s.writeError(w, req, statusFor(err), err)
		return
	}
	if err := s.format.write(w, req, http.StatusOK, pred); err != nil {
		log.Errorf("error encoding prediction: %v", err)
	}
}

func parseTime(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, v)
}

// handleAuditRange lists recorded runs between start and end (RFC 3339)
func (s *Server) handleAuditRange(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	now := s.now()
	end, err := parseTime(q.Get("end"), now)
	if err != nil {
		s.writeError(w, req, http.StatusBadRequest, err)
		return
	}
	start, err := parseTime(q.Get("start"), end.Add(-defaultAuditSpan))
	if err != nil {
		s.writeError(w, req, http.StatusBadRequest, err)
		return
	}
	if end.Before(start) {
		s.writeError(w, req, http.StatusBadRequest, errors.New("end before start"))
		return
	}
	withInput, _ := strconv.ParseBool(q.Get("input"))

	records, err := s.audit.Range(start, end, withInput)
	if err != nil {
		log.Errorf("error reading audit log: %v", err)
		s.writeError(w, req, http.StatusInternalServerError, errors.New("error reading audit log"))
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	if err := s.format.write(w, req, http.StatusOK, records); err != nil {
		log.Errorf("error encoding audit records: %v", err)
	}
}

// handleAuditLatest returns the most recent run
func (s *Server) handleAuditLatest(w http.ResponseWriter, req *http.Request) {
	rec, err := s.audit.Latest()
	if errors.Is(err, audit.ErrEmpty) {
		s.writeError(w, req, http.StatusNotFound, err)
		return
	}
	if err != nil {
		log.Errorf("error reading audit log: %v", err)
		s.writeError(w, req, http.StatusInternalServerError, errors.New("error reading audit log"))
		return
	}
	if err := s.format.write(w, req, http.StatusOK, rec); err != nil {
		log.Errorf("error encoding audit record: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	_ = s.format.write(w, req, http.StatusOK, map[string]string{"status": "ok"})
}
