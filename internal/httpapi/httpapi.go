// Package httpapi exposes the orchestrator's external HTTP surface:
// health, metrics, task status/creation, and a server-sent-events stream
// of the event bus. Route registration and the metrics-timing middleware
// are grounded on the teacher's internal/app/handlers.go
// (registerHandlers, metricsMiddleware) adapted from mux route names to
// this system's own endpoints; POST /tasks is rate limited with
// pkg/ratelimit.AdaptiveRateLimiter, the one component in the teacher's
// stack that didn't already have a home elsewhere in this repo.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dbmplus/dbmorc/internal/ingest"
	"github.com/dbmplus/dbmorc/internal/metrics"
	"github.com/dbmplus/dbmorc/pkg/catalog"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/ratelimit"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server hosts the HTTP API.
type Server struct {
	logger  *logrus.Logger
	catalog *catalog.Catalog
	engine  *taskengine.Engine
	ingest  *ingest.Controller
	bus     *eventbus.Bus
	limiter *ratelimit.AdaptiveRateLimiter

	httpServer *http.Server
}

// New builds a Server bound to addr, wrapping task creation in limiter
// (nil disables rate limiting).
func New(logger *logrus.Logger, addr string, cat *catalog.Catalog, engine *taskengine.Engine, ic *ingest.Controller, bus *eventbus.Bus, limiter *ratelimit.AdaptiveRateLimiter) *Server {
	s := &Server{logger: logger, catalog: cat, engine: engine, ingest: ic, bus: bus, limiter: limiter}

	router := mux.NewRouter()
	s.registerHandlers(router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) registerHandlers(router *mux.Router) {
	router.Use(s.metricsMiddleware)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
}

// metricsMiddleware records per-endpoint response time, mirroring the
// teacher's metricsMiddleware wrapper.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.TaskDurationSeconds.WithLabelValues("http:" + r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"ingest_queue": s.ingest.QueueDepth(),
	})
}

type createTaskRequest struct {
	Kind        types.TaskKind         `json:"kind"`
	ProductID   string                 `json:"product_id"`
	LotID       string                 `json:"lot_id"`
	Station     string                 `json:"station,omitempty"`
	ComponentID string                 `json:"component_id,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// handleCreateTask creates a new task. Rejected with 429 if the rate
// limiter is enabled and saturated — protects the task engine from a
// misbehaving client submitting work faster than the pipeline can absorb
// it, since the engine itself imposes no queueing of its own.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	start := time.Now()
	taskID, appErr := s.engine.CreateTask(req.Kind, req.ProductID, req.LotID, req.Station, req.ComponentID, req.Params)
	if s.limiter != nil {
		s.limiter.RecordLatency(time.Since(start))
	}
	if appErr != nil {
		metrics.RecordError("httpapi", appErr.Code)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": appErr.Error()})
		return
	}

	metrics.TasksCreatedTotal.WithLabelValues(string(req.Kind)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, message, ok := s.engine.GetTaskStatus(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": id, "status": status, "message": message})
}

// handleEvents streams the event bus as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	unsubscribe := s.bus.Subscribe(fmt.Sprintf("sse:%s", r.RemoteAddr), func(ev eventbus.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	})
	defer unsubscribe()

	<-r.Context().Done()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start begins serving HTTP in the background.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("httpapi: server stopped unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
