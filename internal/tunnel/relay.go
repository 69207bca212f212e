// Package tunnel keeps an outbound multiplexed connection to a relay so the
// viewer can be reached from outside the host without opening inbound ports.
package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// Relay dials the relay endpoint and proxies every inbound stream to the
// local viewer address. The relay opens streams; we accept them.
type Relay struct {
	relayURL  string // wss://relay.example.com/tunnel
	secret    string // pre-shared secret
	localAddr string // viewer address, e.g. localhost:8871
}

func NewRelay(relayURL, secret, localAddr string) *Relay {
	return &Relay{
		relayURL:  relayURL,
		secret:    secret,
		localAddr: localAddr,
	}
}

// Run serves relay traffic until the context is cancelled, reconnecting
// with exponential backoff after failures.
func (r *Relay) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := r.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("tunnel: relay connection failed: %v", err)
		}
		log.Printf("tunnel: reconnecting in %s", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *Relay) serve(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// The pre-shared secret authenticates the connection; the relay
		// usually runs with a self-signed certificate.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	header := http.Header{}
	header.Set("X-Relay-Secret", r.secret)

	ws, _, err := dialer.DialContext(ctx, r.relayURL, header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer ws.Close()

	log.Printf("tunnel: connected to relay %s", r.relayURL)

	// We are the yamux server: the relay opens a stream per remote viewer.
	mux, err := yamux.Server(NewTransport(ws), yamux.DefaultConfig())
	if err != nil {
		return fmt.Errorf("yamux server: %w", err)
	}
	defer mux.Close()

	go func() {
		<-ctx.Done()
		mux.Close()
	}()

	for {
		stream, err := mux.Accept()
		if err != nil {
			return fmt.Errorf("accept stream: %w", err)
		}
		go r.proxyStream(stream)
	}
}

// proxyStream splices one relay stream onto a fresh local connection.
func (r *Relay) proxyStream(stream net.Conn) {
	defer stream.Close()

	local, err := net.Dial("tcp", r.localAddr)
	if err != nil {
		log.Printf("tunnel: dial local %s: %v", r.localAddr, err)
		return
	}
	defer local.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(local, stream)
		close(done)
	}()
	io.Copy(stream, local)
	<-done
}
