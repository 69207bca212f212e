package viewer

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"termbridge/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// viewerConn serializes writes to one WebSocket connection. The broadcast
// loop and RemoveSession both write, so every write goes through the mutex.
type viewerConn struct {
	ws *websocket.Conn
	mu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newViewerConn(ws *websocket.Conn) *viewerConn {
	return &viewerConn{ws: ws, closed: make(chan struct{})}
}

func (vc *viewerConn) send(msg Message) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.ws.WriteJSON(msg)
}

func (vc *viewerConn) close(code int, reason string) {
	vc.closeOnce.Do(func() {
		vc.mu.Lock()
		vc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		vc.mu.Unlock()
		vc.ws.Close()
		close(vc.closed)
	})
}

func (s *Service) handleSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("viewer: upgrade failed for %s: %v", sessionID, err)
		return
	}
	vc := newViewerConn(ws)

	if !s.authorized(r) {
		vc.close(closeUnauthorized, "unauthorized")
		return
	}
	t, ok := s.getSession(sessionID)
	if !ok {
		vc.close(closeNotFound, "session not found")
		return
	}

	connID := uuid.New().String()
	s.addConn(sessionID, connID, vc)
	t.AddViewer(connID)
	defer func() {
		t.RemoveViewer(connID)
		s.removeConn(sessionID, connID)
		vc.close(1000, "")
	}()

	log.Printf("viewer: %s attached to session %s", connID, sessionID)

	// Snapshot and subscription happen atomically inside Attach, so the
	// replay below is a strict prefix of what arrives on the live channel.
	replay, live, unsub := t.Attach()
	defer unsub()

	for _, line := range replay {
		if err := vc.send(dataMessage(sessionID, renderLine(line))); err != nil {
			return
		}
	}

	// Viewer -> PTY: input and resize messages.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				log.Printf("viewer: malformed message from %s: %v", connID, err)
				vc.close(closeMalformed, "malformed message")
				return
			}
			switch msg.Type {
			case "data":
				if err := s.SendInput(sessionID, msg.Data, false); err != nil {
					vc.send(errorMessage(sessionID, err.Error()))
				}
			case "resize":
				if msg.Size == nil {
					continue
				}
				if err := s.manager.Resize(sessionID, msg.Size.Cols, msg.Size.Rows); err != nil {
					vc.send(errorMessage(sessionID, err.Error()))
				}
			}
		}
	}()

	// PTY -> viewer: live fan-out until the session ends or the viewer
	// goes away.
	for {
		select {
		case chunk, open := <-live:
			if !open {
				// PTY stream finished; report the final status and close
				// normally.
				<-t.Done()
				vc.send(statusMessage(sessionID, string(t.Status())))
				vc.close(websocket.CloseNormalClosure, "session ended")
				<-readerDone
				return
			}
			if err := vc.send(dataMessage(sessionID, string(chunk))); err != nil {
				return
			}
		case <-readerDone:
			return
		case <-vc.closed:
			return
		}
	}
}

func dataMessage(sessionID, data string) Message {
	return Message{
		Type:      "data",
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

func statusMessage(sessionID, status string) Message {
	return Message{
		Type:      "status",
		SessionID: sessionID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
}

func errorMessage(sessionID, detail string) Message {
	return Message{
		Type:      "error",
		SessionID: sessionID,
		Data:      detail,
		Timestamp: time.Now().UnixMilli(),
	}
}

// renderLine reconstructs one retained line for replay, restoring its ANSI
// codes ahead of the text so colors survive.
func renderLine(line session.Line) string {
	out := ""
	for _, code := range line.ANSICodes {
		out += code
	}
	return out + line.Text + "\r\n"
}
