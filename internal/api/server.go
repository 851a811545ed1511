package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"shipment-batch-engine/internal/audit"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/engine"
	"shipment-batch-engine/internal/gateway"
	"shipment-batch-engine/internal/lease"
	"shipment-batch-engine/internal/mapping"
	"shipment-batch-engine/internal/models"
	"shipment-batch-engine/internal/ratelimit"
	"shipment-batch-engine/internal/store"
	"shipment-batch-engine/internal/telemetry"
)

// Server wires HTTP handlers for the batch API.
type Server struct {
	cfg      config.Config
	engine   *engine.Engine
	sources  *gateway.Resolver
	limiter  *ratelimit.TokenBucket
	exporter *audit.Exporter
	logger   *zap.Logger
}

// New constructs the API server. limiter and exporter may be nil.
func New(cfg config.Config, e *engine.Engine, sources *gateway.Resolver, limiter *ratelimit.TokenBucket, exporter *audit.Exporter, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		engine:   e,
		sources:  sources,
		limiter:  limiter,
		exporter: exporter,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Get("/progress", s.handleProgress)
		r.Get("/rows", s.handleRows)
		r.Post("/preview", s.handlePreview)
		r.Post("/confirm", s.handleConfirm)
		r.Post("/cancel", s.handleCancel)
		r.Post("/retry", s.handleRetry)
		r.Get("/events", s.handleEvents)
		r.Get("/audit", s.handleAudit)
		r.Post("/audit/export", s.handleExport)
	})
	return r
}

type inputRow struct {
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields"`
}

type createRequest struct {
	// Source is a gateway reference ("csv:./orders.csv#order_id"); rows are read from it and
	// results are written back to it.
	Source  string          `json:"source"`
	Rows    []inputRow      `json:"rows"`
	Mapping mapping.Mapping `json:"mapping"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if (req.Source == "") == (len(req.Rows) == 0) {
		http.Error(w, "exactly one of source or rows is required", http.StatusBadRequest)
		return
	}

	tenant := tenantFromRequest(r)
	limKey := fmt.Sprintf("rl:%s", tenant)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), limKey)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var rows []gateway.Row
	if req.Source != "" {
		src, err := s.sources.Open(r.Context(), req.Source, req.Mapping.WriteBackColumns())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rows, err = src.ReadRows(r.Context())
		if err != nil {
			http.Error(w, "read source: "+err.Error(), http.StatusBadGateway)
			return
		}
	} else {
		rows = make([]gateway.Row, len(req.Rows))
		for i, in := range req.Rows {
			rows[i] = gateway.Row{Number: i + 1, Key: in.Key, Fields: in.Fields}
		}
	}

	job, err := s.engine.CreateJob(r.Context(), rows, req.Mapping, req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	var statuses []models.RowStatus
	for _, v := range r.URL.Query()["status"] {
		var st models.RowStatus
		if err := st.UnmarshalText([]byte(v)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		statuses = append(statuses, st)
	}
	rows, err := s.engine.ListRows(r.Context(), chi.URLParam(r, "id"), statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// handlePreview blocks until every row is quoted. The job keeps running if the client goes
// away; follow it through /events.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Confirm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type retryResponse struct {
	Job       models.Job `json:"job"`
	ResetRows int        `json:"reset_rows"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, reset, err := s.engine.RetryFailedRows(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if reset == 0 {
		code = http.StatusOK
	}
	writeJSON(w, code, retryResponse{Job: job, ResetRows: reset})
}

// handleEvents streams progress events as server-sent events. The stream ends after the job's
// job_completed or job_halted event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, err := s.engine.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode event", zap.Error(err))
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	entries, err := s.engine.ListAudit(r.Context(), chi.URLParam(r, "id"), after, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		http.Error(w, "audit export not configured", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.engine.GetJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	loc, err := s.exporter.Export(r.Context(), id)
	if err != nil {
		s.logger.Error("export audit", zap.String("job_id", id), zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"location": loc})
}

// writeError maps engine and store errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, engine.ErrJobRunning), errors.Is(err, lease.ErrHeld):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusRequestTimeout)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
