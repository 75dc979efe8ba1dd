// Package api exposes the presentation interface: JSON snapshots,
// websocket streams of task and runtime deltas, and task submission
// against a registry of named operations.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quillreader/quill-core/internal/agentrt"
	"github.com/quillreader/quill-core/internal/dispatch"
	"github.com/quillreader/quill-core/internal/lifecycle"
	"github.com/quillreader/quill-core/internal/state"
	"github.com/quillreader/quill-core/internal/taskqueue"
)

type Server struct {
	Queue      *taskqueue.Queue
	Engine     *agentrt.Engine
	Store      *state.Store
	Dispatcher *dispatch.Dispatcher
	// Operations maps each submittable kind to its execution body.
	// Kinds without an entry cannot be submitted over the API.
	Operations map[lifecycle.Kind]taskqueue.Operation
	StartedAt  time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/stream", s.handleTaskStream)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/stream", s.handleAgentStream)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/diagnostics/", s.handleDiagnostics)

	return mux
}

// submitRequest is the POST /api/tasks payload.
type submitRequest struct {
	ID             string `json:"id,omitempty"`
	Kind           string `json:"kind"`
	Title          string `json:"title,omitempty"`
	Priority       string `json:"priority,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	EntryID        string `json:"entry_id,omitempty"`
	SlotKey        string `json:"slot_key,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC(),
		"started": s.StartedAt,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if s.Queue == nil {
			writeError(w, http.StatusInternalServerError, errNotFound("task queue"))
			return
		}
		writeJSON(w, http.StatusOK, s.Queue.Records())
	case http.MethodPost:
		s.handleTaskSubmit(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("dispatcher"))
		return
	}
	var req submitRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, ok := lifecycle.ParseKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, errNotFound("kind"))
		return
	}
	op, ok := s.Operations[kind]
	if !ok {
		writeError(w, http.StatusBadRequest, errNotFound("operation for kind"))
		return
	}
	result := s.Dispatcher.Submit(dispatch.Request{
		ID:            req.ID,
		Kind:          kind,
		Title:         req.Title,
		Priority:      lifecycle.ParsePriority(req.Priority),
		Timeout:       time.Duration(req.TimeoutSeconds) * time.Second,
		EntryID:       req.EntryID,
		SlotKey:       req.SlotKey,
		RequestSource: "api",
		Operation:     op,
	})
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	taskID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		if s.Queue == nil {
			writeError(w, http.StatusInternalServerError, errNotFound("task queue"))
			return
		}
		for _, rec := range s.Queue.Records() {
			if rec.ID == taskID {
				writeJSON(w, http.StatusOK, rec)
				return
			}
		}
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}

	if segments[1] != "cancel" {
		writeError(w, http.StatusNotFound, errNotFound("task action"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Dispatcher == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("dispatcher"))
		return
	}
	s.Dispatcher.Cancel(taskID)
	writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": taskID})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Engine == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("runtime engine"))
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("history store"))
		return
	}
	filter := state.HistoryFilter{
		Status: lifecycle.PersistedStatus(r.URL.Query().Get("status")),
		Limit:  parseInt(r.URL.Query().Get("limit"), 100),
	}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind, ok := lifecycle.ParseKind(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, errNotFound("kind"))
			return
		}
		filter.Kind = kind
	}
	items, err := s.Store.History(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("history store"))
		return
	}
	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/diagnostics/"), "/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	items, err := s.Store.Diagnostics(r.Context(), taskID, parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
