package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/scitix/netpulse/pkg/config"
	"github.com/scitix/netpulse/pkg/controller"
	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/metrics"
	"github.com/scitix/netpulse/pkg/store"
	"github.com/scitix/netpulse/pkg/types"
)

// Server exposes the NetPulse HTTP API
type Server struct {
	cfg    *config.Config
	ctrl   *controller.Controller
	store  *store.Store
	mux    *http.ServeMux
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server and wires its routes
func NewServer(cfg *config.Config, ctrl *controller.Controller, st *store.Store) *Server {
	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		store:  st,
		mux:    http.NewServeMux(),
		logger: log.WithComponent("api"),
	}

	auth := newAuthMiddleware(cfg.Server.APIKeyHeader, cfg.Server.APIKey)
	limit := newRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	protected := func(h http.HandlerFunc) http.Handler {
		return instrument(auth.wrap(limit.wrap(h)))
	}

	s.mux.Handle("/device/exec", protected(s.handleDeviceExec))
	s.mux.Handle("/device/bulk", protected(s.handleDeviceBulk))
	s.mux.Handle("/device/test", protected(s.handleDeviceTest))
	s.mux.Handle("/job", protected(s.handleJob))
	s.mux.Handle("/worker", protected(s.handleWorker))
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start starts the HTTP listener and blocks until shutdown
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // /device/test can be slow
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.Server.Addr()).Msg("API server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and stops the listener
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler returns the routed handler for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ---- responses ----

type jobRef struct {
	JobID  string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
	Queue  string          `json:"queue"`
	Host   string          `json:"host,omitempty"`
}

type jobView struct {
	ID        string                 `json:"id"`
	Status    types.JobStatus        `json:"status"`
	Queue     string                 `json:"queue"`
	Host      string                 `json:"host"`
	Result    json.RawMessage        `json:"result,omitempty"`
	Error     *types.ErrorDescriptor `json:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
}

func viewOf(job *types.Job) jobView {
	v := jobView{
		ID:        job.ID,
		Status:    job.Status,
		Queue:     job.Queue,
		Host:      job.Host,
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
	}
	if !job.StartedAt.IsZero() {
		v.StartedAt = &job.StartedAt
	}
	if !job.EndedAt.IsZero() {
		v.EndedAt = &job.EndedAt
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, desc *types.ErrorDescriptor) {
	writeJSON(w, statusOf(desc.Kind), map[string]interface{}{"error": desc})
}

func statusOf(kind types.ErrorKind) int {
	switch kind {
	case types.ErrKindValidation:
		return http.StatusBadRequest
	case types.ErrKindAuth:
		return http.StatusUnauthorized
	case types.ErrKindNoCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ---- handlers ----

func (s *Server) handleDeviceExec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload types.JobPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, types.NewError(types.ErrKindValidation, "malformed request body: %v", err))
		return
	}

	job, err := s.ctrl.Submit(r.Context(), &payload)
	if err != nil {
		writeError(w, types.WrapError(types.ErrKindSystem, err))
		return
	}
	writeJSON(w, http.StatusAccepted, jobRef{JobID: job.ID, Status: job.Status, Queue: job.Queue})
}

func (s *Server) handleDeviceBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payloads []*types.JobPayload
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		writeError(w, types.NewError(types.ErrKindValidation, "malformed request body: %v", err))
		return
	}

	result := s.ctrl.SubmitBatch(r.Context(), payloads)

	succeeded := make([]jobRef, 0, len(result.Succeeded))
	for _, job := range result.Succeeded {
		succeeded = append(succeeded, jobRef{JobID: job.ID, Status: job.Status, Queue: job.Queue, Host: job.Host})
	}
	type failure struct {
		Host  string                 `json:"host"`
		Error *types.ErrorDescriptor `json:"error"`
	}
	failed := make([]failure, 0, len(result.Failed))
	for host, desc := range result.Failed {
		failed = append(failed, failure{Host: host, Error: desc})
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"succeeded": succeeded,
		"failed":    failed,
	})
}

func (s *Server) handleDeviceTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Driver         string          `json:"driver"`
		ConnectionArgs json.RawMessage `json:"connection_args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrKindValidation, "malformed request body: %v", err))
		return
	}

	result := s.ctrl.TestConnection(r.Context(), req.Driver, req.ConnectionArgs)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, types.NewError(types.ErrKindValidation, "missing id parameter"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.ctrl.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]interface{}{
					"error": types.NewError(types.ErrKindValidation, "job %s not found", id),
				})
				return
			}
			writeError(w, types.WrapError(types.ErrKindSystem, err))
			return
		}
		writeJSON(w, http.StatusOK, viewOf(job))

	case http.MethodDelete:
		job, err := s.ctrl.Cancel(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]interface{}{
					"error": types.NewError(types.ErrKindValidation, "job %s not found", id),
				})
				return
			}
			writeError(w, types.WrapError(types.ErrKindSystem, err))
			return
		}
		writeJSON(w, http.StatusOK, viewOf(job))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		inv, err := s.ctrl.Inventory(r.Context())
		if err != nil {
			writeError(w, types.WrapError(types.ErrKindSystem, err))
			return
		}
		writeJSON(w, http.StatusOK, inv)

	case http.MethodDelete:
		host := r.URL.Query().Get("host")
		if host == "" {
			writeError(w, types.NewError(types.ErrKindValidation, "missing host parameter"))
			return
		}
		if err := s.ctrl.KillWorker(r.Context(), host); err != nil {
			writeError(w, types.WrapError(types.ErrKindSystem, err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "terminating", "host": host})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// handleHealth implements the /health endpoint: process liveness plus
// a Redis round-trip
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := map[string]string{}
	status := "healthy"
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		checks["redis"] = "ok"
	}

	writeJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	})
}
