package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"termbridge/internal/api"
	"termbridge/internal/audit"
	"termbridge/internal/config"
	"termbridge/internal/executor"
	"termbridge/internal/preflight"
	"termbridge/internal/relay"
	"termbridge/internal/security"
	"termbridge/internal/session"
	"termbridge/internal/tunnel"
	"termbridge/internal/viewer"
)

func main() {
	// Subcommand dispatch: "termbridge relay" runs the public relay server.
	if len(os.Args) > 1 && os.Args[1] == "relay" {
		if err := relay.Run(relay.ParseConfig(os.Args[2:])); err != nil {
			log.Fatalf("Relay failed: %v", err)
		}
		return
	}

	port := flag.Int("port", 0, "control API port (overrides TERMBRIDGE_API_PORT)")
	flag.Parse()

	cfg := config.FromEnv()
	if *port != 0 {
		cfg.APIPort = *port
	}

	fmt.Println("termbridge - gated command execution and terminal sessions")
	fmt.Println()

	fmt.Println("Running preflight checks...")
	if _, ok := preflight.CheckAll(); !ok {
		fmt.Println("\nno usable shell found; sessions cannot be hosted on this machine.")
		os.Exit(1)
	}
	fmt.Println()

	// Audit store; a broken store degrades to no persistence rather than
	// blocking startup.
	var recorder audit.Recorder = audit.Nop{}
	if cfg.AuditDBPath != "" {
		store, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			log.Printf("audit store unavailable, continuing without persistence: %v", err)
		} else {
			defer store.Close()
			recorder = store
		}
	}

	validator := security.NewValidator(security.Policy{
		Tier:                security.Tier(cfg.PolicyTier),
		BlockedCommands:     cfg.BlockedCommands,
		AllowedDirs:         cfg.AllowedDirs,
		RequireConfirmation: cfg.RequireConfirmation,
		NoNetwork:           cfg.SandboxNoNetwork,
		ReadOnly:            cfg.SandboxReadOnly,
	})

	registry := session.NewRegistry(cfg.MaxSessions, cfg.SessionIdleTimeout)
	registry.StartSweeper(cfg.SweepInterval)
	interactive := session.NewInteractiveManager(registry)
	terminals := session.NewTerminalManager(registry, cfg.BufferMaxLines)

	viewerSvc := viewer.New(terminals, cfg.ViewerHost, cfg.ViewerPort, cfg.ViewerAuthToken)
	if err := viewerSvc.Start(); err != nil {
		log.Fatalf("viewer failed to start: %v", err)
	}
	// However a session leaves the registry (kill, idle sweep, shutdown),
	// the viewer must drop it too.
	registry.OnRemove(viewerSvc.RemoveSession)

	tunnelCtx, stopTunnel := context.WithCancel(context.Background())
	defer stopTunnel()
	if cfg.RelayURL != "" {
		localAddr := fmt.Sprintf("%s:%d", cfg.ViewerHost, cfg.ViewerPort)
		go tunnel.NewRelay(cfg.RelayURL, cfg.RelaySecret, localAddr).Run(tunnelCtx)
	}

	svc := api.NewService(
		validator,
		executor.New(cfg.CommandTimeout),
		interactive,
		terminals,
		registry,
		viewerSvc,
		recorder,
	)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.APIPort)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: loggingMiddleware(recoveryMiddleware(api.NewServer(svc))),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("\nReceived %s, shutting down...\n", sig)

		stopTunnel()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		viewerSvc.Stop(ctx)
		httpSrv.Shutdown(ctx)

		registry.KillAll()
		registry.Close()
	}()

	fmt.Printf("Control API at http://%s\n", addr)
	fmt.Printf("Viewer at http://%s:%d\n", cfg.ViewerHost, cfg.ViewerPort)
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	fmt.Println("Server stopped.")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		// WebSocket upgrades log from their own handlers.
		if r.Header.Get("Upgrade") == "websocket" {
			return
		}
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start).Round(time.Millisecond))
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC: %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Hijacker so WebSocket upgrades work through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}
