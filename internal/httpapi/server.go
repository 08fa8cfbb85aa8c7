// Package httpapi is the operator surface: a thin JSON shim over the
// queue, scheduler, health monitor, rate limiter and metrics collector.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"botherd/internal/health"
	"botherd/internal/metrics"
	"botherd/internal/queue"
	"botherd/internal/ratelimit"
	"botherd/internal/schedule"
	"botherd/internal/state"
	"botherd/pkg/logx"
)

// Server routes operator requests. All dependencies are optional except
// the queue; nil ones disable their endpoints with 503.
type Server struct {
	router    chi.Router
	log       logx.Logger
	queue     *queue.Queue
	scheduler *schedule.Service
	monitor   *health.Monitor
	limiter   *ratelimit.Limiter
	collector *metrics.Collector
}

func NewServer(
	q *queue.Queue,
	scheduler *schedule.Service,
	monitor *health.Monitor,
	limiter *ratelimit.Limiter,
	collector *metrics.Collector,
	log logx.Logger,
) *Server {
	s := &Server{
		log:       log.With(logx.String("component", "httpapi")),
		queue:     q,
		scheduler: scheduler,
		monitor:   monitor,
		limiter:   limiter,
		collector: collector,
	}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)

	r.Get("/healthz", s.healthz)
	if collector != nil {
		r.Method(http.MethodGet, "/metrics", collector.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.enqueueJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.listSchedules)
			r.Route("/{schedule_id}", func(r chi.Router) {
				r.Post("/pause", s.pauseSchedule)
				r.Post("/resume", s.resumeSchedule)
				r.Post("/run", s.runSchedule)
			})
		})
		r.Get("/health", s.healthSnapshot)
		r.Get("/ratelimits", s.rateLimits)
		r.Get("/metrics/rollup", s.metricsRollup)
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	BotType     string          `json:"bot_type"`
	Priority    string          `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	Force       bool            `json:"force"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.BotType == "" {
		writeError(w, http.StatusBadRequest, "bot_type is required")
		return
	}
	prio, err := state.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		BotType:     req.BotType,
		Priority:    prio,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		Force:       req.Force,
	})
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, j)
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := state.JobFilter{BotType: q.Get("bot_type")}

	if raw := q.Get("state"); raw != "" {
		js := state.JobState(raw)
		switch js {
		case state.JobPending, state.JobRunning, state.JobSucceeded, state.JobFailed, state.JobCancelled:
			f.States = []state.JobState{js}
		default:
			writeError(w, http.StatusBadRequest, "unknown state "+raw)
			return
		}
	}
	if raw := q.Get("priority"); raw != "" {
		prio, err := state.ParsePriority(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Priority = prio
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = limit
	}
	if f.Limit == 0 {
		f.Limit = 100
	}

	jobs, err := s.queue.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.queue.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	err := s.queue.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "state": string(state.JobCancelled)})
	}
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	scheds, err := s.scheduler.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := chi.URLParam(r, "schedule_id")
	var err error
	if enabled {
		err = s.scheduler.Resume(r.Context(), id)
	} else {
		err = s.scheduler.Pause(r.Context(), id)
	}
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule_id": id, "enabled": enabled})
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := chi.URLParam(r, "schedule_id")
	force := r.URL.Query().Get("force") == "true"

	j, err := s.scheduler.RunNow(r.Context(), id, force)
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, queue.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, j)
	}
}

func (s *Server) healthSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "health monitor disabled")
		return
	}
	snap, err := s.monitor.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) rateLimits(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter disabled")
		return
	}
	statuses, err := s.limiter.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": statuses})
}

func (s *Server) metricsRollup(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics disabled")
		return
	}
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, s.collector.Rollup(r.URL.Query().Get("bot_type"), window))
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.status),
			logx.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", logx.Any("panic", rec), logx.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
