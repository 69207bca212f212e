// Package viewer exposes terminal sessions as browser-viewable endpoints:
// an HTTP page per session and a WebSocket that fans live PTY output out to
// every connected observer and relays their keystrokes back in.
package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"termbridge/internal/session"
)

// Message is the typed frame exchanged with viewers.
type Message struct {
	Type      string `json:"type"` // data | status | resize | error
	SessionID string `json:"sessionId"`
	Data      string `json:"data,omitempty"`
	Status    string `json:"status,omitempty"`
	Size      *Size  `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

type Size struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// WebSocket close codes for viewer protocol errors.
const (
	closeMalformed    = 4400
	closeUnauthorized = 4401
	closeNotFound     = 4404
)

// Status is the answer to a service status query.
type Status struct {
	Host           string          `json:"host"`
	Port           int             `json:"port"`
	TotalSessions  int             `json:"total_sessions"`
	ActiveSessions []SessionStatus `json:"active_sessions"`
}

type SessionStatus struct {
	SessionID  string         `json:"session_id"`
	Status     session.Status `json:"status"`
	Viewers    int            `json:"viewers"`
	Lines      int            `json:"lines"`
	Scrollback int            `json:"scrollback"`
	URL        string         `json:"url"`
}

// Service owns the viewer HTTP server and the set of viewable sessions.
// Input always goes back through the terminal manager; the service never
// holds its own PTY handle.
type Service struct {
	manager *session.TerminalManager
	host    string
	port    int
	token   string

	mu       sync.RWMutex
	sessions map[string]*session.Terminal
	conns    map[string]map[string]*viewerConn // session id -> conn id -> conn

	srv *http.Server
}

func New(manager *session.TerminalManager, host string, port int, token string) *Service {
	s := &Service{
		manager:  manager,
		host:     host,
		port:     port,
		token:    token,
		sessions: make(map[string]*session.Terminal),
		conns:    make(map[string]map[string]*viewerConn),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/status", s.handleSessionStatus)
	mux.HandleFunc("GET /terminal/{id}/view", s.handleViewPage)
	mux.HandleFunc("GET /ws/terminal/{id}", s.handleSocket)
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}
	return s
}

// Start begins serving in the background. Returns once the listener is
// bound so callers can rely on the port being live.
func (s *Service) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("viewer listen: %w", err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != http.ErrServerClosed {
			log.Printf("viewer: server failed: %v", err)
		}
	}()
	log.Printf("viewer: serving at http://%s", s.srv.Addr)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.RemoveSession(id)
	}
	return s.srv.Shutdown(ctx)
}

// AddSession registers a terminal session for viewing.
func (s *Service) AddSession(t *session.Terminal) {
	s.mu.Lock()
	s.sessions[t.ID()] = t
	s.mu.Unlock()
}

// RemoveSession closes every viewer connection for the session first, then
// discards the record.
func (s *Service) RemoveSession(id string) {
	s.mu.Lock()
	conns := s.conns[id]
	delete(s.conns, id)
	delete(s.sessions, id)
	s.mu.Unlock()

	for _, vc := range conns {
		vc.close(1000, "session removed")
	}
}

func (s *Service) HasSession(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// SendInput relays text into the session through the terminal manager.
func (s *Service) SendInput(id, text string, addNewline bool) error {
	if !s.HasSession(id) {
		return session.ErrNotFound
	}
	return s.manager.SendInput(id, text, addNewline)
}

// SessionURL returns the viewer page URL, or "" when the session is not
// registered.
func (s *Service) SessionURL(id string) string {
	if !s.HasSession(id) {
		return ""
	}
	return fmt.Sprintf("http://%s:%d/terminal/%s/view", s.host, s.port, id)
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Host:          s.host,
		Port:          s.port,
		TotalSessions: len(s.sessions),
	}
	for id, t := range s.sessions {
		st.ActiveSessions = append(st.ActiveSessions, SessionStatus{
			SessionID:  id,
			Status:     t.Status(),
			Viewers:    len(t.Viewers()),
			Lines:      t.Buffer().Len(),
			Scrollback: t.Buffer().Scrollback(),
			URL:        fmt.Sprintf("http://%s:%d/terminal/%s/view", s.host, s.port, id),
		})
	}
	return st
}

func (s *Service) getSession(id string) (*session.Terminal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.sessions[id]
	return t, ok
}

func (s *Service) addConn(sessionID, connID string, vc *viewerConn) {
	s.mu.Lock()
	if s.conns[sessionID] == nil {
		s.conns[sessionID] = make(map[string]*viewerConn)
	}
	s.conns[sessionID][connID] = vc
	s.mu.Unlock()
}

func (s *Service) removeConn(sessionID, connID string) {
	s.mu.Lock()
	if m := s.conns[sessionID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(s.conns, sessionID)
		}
	}
	s.mu.Unlock()
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Service) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	id := r.PathValue("id")
	t, ok := s.getSession(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, SessionStatus{
		SessionID:  id,
		Status:     t.Status(),
		Viewers:    len(t.Viewers()),
		Lines:      t.Buffer().Len(),
		Scrollback: t.Buffer().Scrollback(),
		URL:        s.SessionURL(id),
	})
}

// authorized checks the optional shared token; an empty configured token
// disables the check.
func (s *Service) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.token {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
