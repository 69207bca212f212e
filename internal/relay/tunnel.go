package relay

import (
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"termbridge/internal/tunnel"
)

var tunnelUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Tunnel holds the multiplexed connection from the termbridge host. At most
// one host is connected; a new connection replaces the old one.
type Tunnel struct {
	secret  string
	mu      sync.RWMutex
	session *yamux.Session
}

func NewTunnel(secret string) *Tunnel {
	return &Tunnel{secret: secret}
}

// Handler accepts the outbound connection from termbridge.
func (t *Tunnel) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Relay-Secret") != t.secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		ws, err := tunnelUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("relay: upgrade failed: %v", err)
			return
		}

		log.Println("relay: termbridge connected")

		t.mu.Lock()
		if t.session != nil {
			t.session.Close()
			log.Println("relay: replaced existing connection")
		}
		t.mu.Unlock()

		// The relay is the yamux client: it opens a stream per viewer.
		session, err := yamux.Client(tunnel.NewTransport(ws), yamux.DefaultConfig())
		if err != nil {
			log.Printf("relay: yamux client: %v", err)
			ws.Close()
			return
		}

		t.mu.Lock()
		t.session = session
		t.mu.Unlock()

		<-session.CloseChan()

		t.mu.Lock()
		if t.session == session {
			t.session = nil
		}
		t.mu.Unlock()

		log.Println("relay: termbridge disconnected")
	}
}

// OpenStream opens a stream to the connected termbridge host.
func (t *Tunnel) OpenStream() (net.Conn, error) {
	t.mu.RLock()
	session := t.session
	t.mu.RUnlock()

	if session == nil {
		return nil, errNoTunnel
	}
	return session.Open()
}

// Connected reports whether a termbridge host is currently attached.
func (t *Tunnel) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session != nil && !t.session.IsClosed()
}
