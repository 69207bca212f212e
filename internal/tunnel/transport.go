package tunnel

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a websocket connection to the io.ReadWriteCloser that
// yamux multiplexes over. Binary frames map to byte stream segments.
type wsTransport struct {
	ws  *websocket.Conn
	mu  sync.Mutex // serializes writes
	buf []byte     // leftover from a partially consumed frame
}

// NewTransport wraps ws for use as a yamux transport. Shared with the relay
// server so both ends frame the stream identically.
func NewTransport(ws *websocket.Conn) io.ReadWriteCloser {
	return &wsTransport{ws: ws}
}

func (t *wsTransport) Read(p []byte) (int, error) {
	if len(t.buf) > 0 {
		n := copy(p, t.buf)
		t.buf = t.buf[n:]
		return n, nil
	}
	_, msg, err := t.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(p, msg)
	if n < len(msg) {
		t.buf = msg[n:]
	}
	return n, nil
}

func (t *wsTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

var _ io.ReadWriteCloser = (*wsTransport)(nil)
