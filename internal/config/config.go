package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-wide runtime configuration. Defaults are safe for
// local use; the environment overlays individual fields.
type Config struct {
	// Security policy
	PolicyTier          string // strict | moderate | permissive
	BlockedCommands     []string
	AllowedDirs         []string
	RequireConfirmation bool
	SandboxNoNetwork    bool
	SandboxReadOnly     bool

	// One-shot execution
	CommandTimeout time.Duration

	// Sessions
	MaxSessions        int
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	BufferMaxLines     int

	// Viewer server
	ViewerHost      string
	ViewerPort      int
	ViewerAuthToken string

	// Control API
	APIPort int

	// Audit store; empty disables persistence
	AuditDBPath string

	// Remote relay; empty disables the tunnel
	RelayURL    string
	RelaySecret string
}

func Default() Config {
	return Config{
		PolicyTier:          "moderate",
		BlockedCommands:     nil,
		AllowedDirs:         nil,
		RequireConfirmation: false,
		CommandTimeout:      30 * time.Second,
		MaxSessions:         10,
		SessionIdleTimeout:  30 * time.Minute,
		SweepInterval:       60 * time.Second,
		BufferMaxLines:      1000,
		ViewerHost:          "localhost",
		ViewerPort:          8871,
		APIPort:             8870,
		AuditDBPath:         "",
	}
}

// FromEnv overlays TERMBRIDGE_* environment variables on top of the defaults.
func FromEnv() Config {
	c := Default()
	if v := os.Getenv("TERMBRIDGE_POLICY_TIER"); v != "" {
		c.PolicyTier = v
	}
	if v := os.Getenv("TERMBRIDGE_BLOCKED_COMMANDS"); v != "" {
		c.BlockedCommands = splitList(v)
	}
	if v := os.Getenv("TERMBRIDGE_ALLOWED_DIRS"); v != "" {
		c.AllowedDirs = splitList(v)
	}
	if v := os.Getenv("TERMBRIDGE_REQUIRE_CONFIRMATION"); v != "" {
		c.RequireConfirmation = parseBool(v)
	}
	if v := os.Getenv("TERMBRIDGE_SANDBOX_NO_NETWORK"); v != "" {
		c.SandboxNoNetwork = parseBool(v)
	}
	if v := os.Getenv("TERMBRIDGE_SANDBOX_READ_ONLY"); v != "" {
		c.SandboxReadOnly = parseBool(v)
	}
	if n, ok := envInt("TERMBRIDGE_COMMAND_TIMEOUT_SEC"); ok {
		c.CommandTimeout = time.Duration(n) * time.Second
	}
	if n, ok := envInt("TERMBRIDGE_MAX_SESSIONS"); ok {
		c.MaxSessions = n
	}
	if n, ok := envInt("TERMBRIDGE_SESSION_IDLE_TIMEOUT_SEC"); ok {
		c.SessionIdleTimeout = time.Duration(n) * time.Second
	}
	if n, ok := envInt("TERMBRIDGE_BUFFER_MAX_LINES"); ok {
		c.BufferMaxLines = n
	}
	if v := os.Getenv("TERMBRIDGE_VIEWER_HOST"); v != "" {
		c.ViewerHost = v
	}
	if n, ok := envInt("TERMBRIDGE_VIEWER_PORT"); ok {
		c.ViewerPort = n
	}
	if v := os.Getenv("TERMBRIDGE_VIEWER_TOKEN"); v != "" {
		c.ViewerAuthToken = v
	}
	if n, ok := envInt("TERMBRIDGE_API_PORT"); ok {
		c.APIPort = n
	}
	if v := os.Getenv("TERMBRIDGE_AUDIT_DB"); v != "" {
		c.AuditDBPath = v
	}
	if v := os.Getenv("TERMBRIDGE_RELAY_URL"); v != "" {
		c.RelayURL = v
	}
	if v := os.Getenv("TERMBRIDGE_RELAY_SECRET"); v != "" {
		c.RelaySecret = v
	}
	return c
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}
