// Package gateway exposes the orchestrator over WebSocket and HTTP: turns
// stream as event frames, and conversation administration rides on a small
// JSON API.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tetherlabs/tether/internal/agent"
	"github.com/tetherlabs/tether/internal/session"
	"github.com/tetherlabs/tether/internal/transcript"
	"github.com/tetherlabs/tether/pkg/models"
)

// Server routes user traffic to sessions.
type Server struct {
	manager *session.Manager
	orch    *agent.Orchestrator
	logger  *slog.Logger
}

// NewServer creates the gateway over a session manager and orchestrator.
func NewServer(manager *session.Manager, orch *agent.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: manager, orch: orch, logger: logger}
}

// Routes builds the HTTP router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)

	r.Route("/api/sessions/{id}", func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Post("/edit", s.handleEdit)
		r.Get("/export", s.handleExport)
		r.Post("/reset", s.handleReset)
		r.Delete("/", s.handleRemove)
	})
	r.Post("/api/quick", s.handleQuick)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type messageRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	Text string `json:"text"`
}

// handleMessage runs one turn synchronously and returns the terminal text.
// Streaming clients use the WebSocket endpoint instead.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.manager.GetOrCreate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	activeSessions.Set(float64(len(s.manager.Ids())))

	release := sess.Acquire()
	defer release()
	s.manager.Prepare(r.Context(), sess)

	start := time.Now()
	text, err := s.orch.RunTurn(r.Context(), sess.Transcript(), sess.Target, req.Text, s.countingSink(agent.NullSink))
	turnDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		turnsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("turn failed structurally", "session", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}
	turnsTotal.WithLabelValues("completed").Inc()
	writeJSON(w, http.StatusOK, messageResponse{Text: text})
}

type editRequest struct {
	// Op is one of clear, remove_last, replace_last, inject.
	Op      string         `json:"op"`
	Count   int            `json:"count,omitempty"`
	Entries []models.Entry `json:"entries,omitempty"`
}

// handleEdit applies an administrative transcript edit to an existing
// session.
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	release := sess.Acquire()
	defer release()

	store := sess.Transcript()
	var err error
	switch req.Op {
	case "clear":
		store.Clear()
	case "remove_last":
		count := req.Count
		if count <= 0 {
			count = 1
		}
		err = store.TruncateLast(count)
	case "replace_last":
		err = store.ReplaceLast(req.Count, req.Entries)
	case "inject":
		err = store.ReplaceLast(0, req.Entries)
	default:
		writeError(w, http.StatusBadRequest, "unknown edit op")
		return
	}
	if err != nil {
		if errors.Is(err, transcript.ErrWouldViolateInvariant) ||
			errors.Is(err, transcript.ErrUnknownRequestID) ||
			errors.Is(err, transcript.ErrDuplicateRequestID) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"length": store.Len()})
}

// handleExport returns the session's archival snapshot without resetting.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	release := sess.Acquire()
	defer release()
	writeJSON(w, http.StatusOK, s.manager.Export(sess))
}

// handleReset archives and clears the session.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	release := sess.Acquire()
	defer release()
	s.manager.Reset(r.Context(), sess)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleRemove drops the session from the registry.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.manager.Remove(chi.URLParam(r, "id"))
	activeSessions.Set(float64(len(s.manager.Ids())))
	w.WriteHeader(http.StatusNoContent)
}

type quickRequest struct {
	SessionID string `json:"session_id"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
}

// handleQuick runs a one-shot model call with tool access against the
// session's sandbox, outside its transcript.
func (s *Server) handleQuick(w http.ResponseWriter, r *http.Request) {
	var req quickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.manager.GetOrCreate(r.Context(), req.SessionID)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	report, err := s.orch.QuickCall(r.Context(), sess.Target, req.System, req.Prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quick call failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// countingSink wraps a sink with tool execution metrics.
func (s *Server) countingSink(next agent.EventSink) agent.EventSink {
	return agent.SinkFunc(func(ev models.TurnEvent) {
		if ev.Type == models.TurnToolInvoked {
			toolExecutionsTotal.WithLabelValues(ev.Tool).Inc()
		}
		next.Emit(ev)
	})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrTargetUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
