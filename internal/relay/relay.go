// Package relay is the public-facing end of the tunnel: termbridge dials
// out to it, and remote viewers reach their sessions through it without the
// termbridge host opening any inbound port.
package relay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strconv"
)

// Config holds relay server configuration.
type Config struct {
	Port    int
	TLSCert string
	TLSKey  string
	Secret  string

	// Hosts are the names and addresses the self-signed certificate must
	// cover. Ignored when a real cert/key pair is given.
	Hosts []string
}

// Run starts the relay server. Called from the subcommand dispatch in main.
func Run(cfg Config) error {
	if cfg.Secret == "" {
		b := make([]byte, 24)
		rand.Read(b)
		cfg.Secret = hex.EncodeToString(b)
	}

	tun := NewTunnel(cfg.Secret)
	proxy := NewProxy(tun)

	mux := http.NewServeMux()

	// Tunnel endpoint, authenticated by the pre-shared secret.
	mux.HandleFunc("/tunnel", tun.Handler())

	// Liveness probe; kept off /api so session queries proxy through.
	mux.HandleFunc("GET /relay/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","relay":true,"connected":%t}`, tun.Connected())
	})

	// Everything else is viewer traffic headed for the tunneled host.
	mux.Handle("/", proxy)

	tlsCfg, err := TLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.Hosts)
	if err != nil {
		return fmt.Errorf("TLS config: %w", err)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	srv := &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: tlsCfg,
	}

	tunnelURL := fmt.Sprintf("wss://YOUR_HOST:%d/tunnel", cfg.Port)
	if cfg.Port == 443 {
		tunnelURL = "wss://YOUR_HOST/tunnel"
	}

	fmt.Println("termbridge relay")
	fmt.Println()
	fmt.Printf("Listening on https://%s\n", addr)
	fmt.Printf("Tunnel secret: %s\n", cfg.Secret)
	fmt.Println()
	fmt.Println("Connect termbridge with:")
	fmt.Printf("  TERMBRIDGE_RELAY_URL=%s TERMBRIDGE_RELAY_SECRET=%s termbridge\n", tunnelURL, cfg.Secret)
	fmt.Println()

	// Empty cert/key because TLSConfig is set directly.
	return srv.ListenAndServeTLS("", "")
}

// ParseConfig reads relay configuration from subcommand args and environment.
func ParseConfig(args []string) Config {
	cfg := Config{
		Port:   443,
		Secret: os.Getenv("TERMBRIDGE_RELAY_SECRET"),
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			if i+1 < len(args) {
				if p, err := strconv.Atoi(args[i+1]); err == nil {
					cfg.Port = p
				}
				i++
			}
		case "--tls-cert":
			if i+1 < len(args) {
				cfg.TLSCert = args[i+1]
				i++
			}
		case "--tls-key":
			if i+1 < len(args) {
				cfg.TLSKey = args[i+1]
				i++
			}
		case "--host":
			if i+1 < len(args) {
				cfg.Hosts = append(cfg.Hosts, args[i+1])
				i++
			}
		}
	}

	return cfg
}
