package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"termbridge/internal/executor"
	"termbridge/internal/session"
)

// Server is the control-plane HTTP surface over the Service.
type Server struct {
	mux *http.ServeMux
	svc *Service
}

func NewServer(svc *Service) *Server {
	s := &Server{
		mux: http.NewServeMux(),
		svc: svc,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// One-shot execution
	s.mux.HandleFunc("POST /api/validate", s.handleValidate)
	s.mux.HandleFunc("POST /api/execute", s.handleExecute)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", s.handleList)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreate)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	s.mux.HandleFunc("POST /api/sessions/{id}/input", s.handleInput)
	s.mux.HandleFunc("GET /api/sessions/{id}/output", s.handleOutput)
	s.mux.HandleFunc("POST /api/sessions/{id}/resize", s.handleResize)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	WriteJSON(w, http.StatusOK, s.svc.Validate(body.Command))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command    string            `json:"command"`
		Args       []string          `json:"args"`
		Cwd        string            `json:"cwd"`
		Env        map[string]string `json:"env"`
		ShellMode  bool              `json:"shell_mode"`
		TimeoutSec int               `json:"timeout_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Command == "" {
		WriteError(w, http.StatusBadRequest, "command is required")
		return
	}

	req := executor.Request{
		Command:   body.Command,
		Args:      body.Args,
		Cwd:       body.Cwd,
		Env:       body.Env,
		ShellMode: body.ShellMode,
		Timeout:   time.Duration(body.TimeoutSec) * time.Second,
	}
	result, err := s.svc.ExecuteCommand(r.Context(), req)
	if err != nil {
		if errors.Is(err, executor.ErrTimeout) {
			// Partial output travels with the timeout.
			WriteJSON(w, http.StatusRequestTimeout, struct {
				executor.Result
				Error string `json:"error"`
			}{result, err.Error()})
			return
		}
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	sessions := s.svc.ListSessions()
	if sessions == nil {
		sessions = []session.Info{}
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind           string            `json:"kind"` // interactive | terminal
		Command        string            `json:"command"`
		Args           []string          `json:"args"`
		Cwd            string            `json:"cwd"`
		Env            map[string]string `json:"env"`
		Cols           uint16            `json:"cols"`
		Rows           uint16            `json:"rows"`
		InitialCommand string            `json:"initial_command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	opts := session.StartOptions{
		Command:        body.Command,
		Args:           body.Args,
		Cwd:            body.Cwd,
		Env:            body.Env,
		Cols:           body.Cols,
		Rows:           body.Rows,
		InitialCommand: body.InitialCommand,
	}
	switch session.Kind(body.Kind) {
	case session.KindInteractive:
		info, err := s.svc.StartInteractive(opts)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, info)
	case session.KindTerminal:
		ts, err := s.svc.StartTerminal(opts)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ts)
	default:
		WriteError(w, http.StatusBadRequest, "kind must be 'interactive' or 'terminal'")
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.KillSession(r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input   string `json:"input"`
		Newline *bool  `json:"newline"` // defaults to true
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	newline := body.Newline == nil || *body.Newline
	if err := s.svc.SendInput(r.PathValue("id"), body.Input, newline); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ReadOutput(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Cols == 0 || body.Rows == 0 {
		WriteError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}
	if err := s.svc.Resize(r.PathValue("id"), body.Cols, body.Rows); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps service errors onto HTTP statuses. Denials carry
// the full validation result so clients can show reason and suggestions.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var denied *DeniedError
	switch {
	case errors.As(err, &denied):
		WriteJSON(w, http.StatusForbidden, denied.Result)
	case errors.Is(err, session.ErrNotFound):
		WriteError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionLimit):
		WriteError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrNotRunning):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
