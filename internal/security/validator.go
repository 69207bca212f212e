// Package security classifies candidate commands against policy before any
// process is spawned. Validation is a pure function of (command, policy); it
// is a best-effort heuristic gate, not a sandbox.
package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Tier string

const (
	TierStrict     Tier = "strict"
	TierModerate   Tier = "moderate"
	TierPermissive Tier = "permissive"
)

// Policy is the operator-selected strictness configuration.
type Policy struct {
	Tier            Tier
	BlockedCommands []string
	AllowedDirs     []string

	// RequireConfirmation denies non-low-risk commands with a
	// "requires confirmation" reason so the caller can resubmit through a
	// confirmation channel.
	RequireConfirmation bool

	// Sandbox restrictions, both optional.
	NoNetwork bool
	ReadOnly  bool
}

// Result is the outcome of validating one command. Produced fresh per call.
type Result struct {
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason,omitempty"`
	Risk        RiskLevel `json:"risk_level"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

type dangerPattern struct {
	re         *regexp.Regexp
	risk       RiskLevel
	reason     string
	suggestion string
}

// Validator holds compiled pattern tables for one policy.
type Validator struct {
	policy     Policy
	dangerous  []dangerPattern
	escalation *regexp.Regexp
	network    *regexp.Regexp
	writeShape *regexp.Regexp
	protected  []string
}

// Directories treated as protected system paths under the strict tier.
var protectedDirs = []string{
	"/etc", "/boot", "/bin", "/sbin", "/usr/bin", "/usr/sbin",
	"/sys", "/proc", "/dev", "/var/lib", "/lib",
}

func NewValidator(policy Policy) *Validator {
	if policy.Tier == "" {
		policy.Tier = TierModerate
	}
	return &Validator{
		policy: policy,
		dangerous: []dangerPattern{
			{
				re:         regexp.MustCompile(`\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\b`),
				risk:       RiskHigh,
				reason:     "recursive forced delete",
				suggestion: "remove specific files instead of forcing a recursive delete",
			},
			{
				re:         regexp.MustCompile(`\b(mkfs(\.\w+)?|fdisk|parted|diskpart)\b`),
				risk:       RiskHigh,
				reason:     "disk formatting or partitioning",
				suggestion: "disk-level operations are not permitted through this interface",
			},
			{
				re:         regexp.MustCompile(`\bdd\b.*\bof=/dev/`),
				risk:       RiskHigh,
				reason:     "raw write to a block device",
				suggestion: "write to a regular file instead of a raw device",
			},
			{
				re:         regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
				risk:       RiskHigh,
				reason:     "system shutdown or reboot",
				suggestion: "host power state changes are not permitted",
			},
			{
				re:         regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`),
				risk:       RiskHigh,
				reason:     "piping a network download into a shell",
				suggestion: "download to a file, inspect it, then run it explicitly",
			},
			{
				re:         regexp.MustCompile(`>\s*/(dev|proc|sys)/`),
				risk:       RiskHigh,
				reason:     "redirect into a system pseudo-file",
				suggestion: "redirect output to a regular file",
			},
			{
				re:         regexp.MustCompile(`\bkill(all)?\s+-(9|KILL)\b`),
				risk:       RiskMedium,
				reason:     "force-kill signal",
				suggestion: "prefer SIGTERM so the target can exit cleanly",
			},
			{
				re:     regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\b`),
				risk:   RiskMedium,
				reason: "world-writable permission change",
			},
		},
		escalation: regexp.MustCompile(`\b(sudo|su|runas|elevate)\b`),
		network:    regexp.MustCompile(`\b(curl|wget|nc|ncat|ssh|scp|rsync|ftp|telnet)\b`),
		writeShape: regexp.MustCompile(`(>|>>|\btee\b|\bmv\b|\bcp\b|\brm\b|\bmkdir\b|\btouch\b|\bdd\b)`),
		protected:  protectedDirs,
	}
}

// Validate classifies a command string. Checks run in a fixed order and
// short-circuit on the first deny.
func (v *Validator) Validate(command string) Result {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Result{Allowed: false, Reason: "empty command", Risk: RiskLow}
	}
	lower := strings.ToLower(trimmed)

	// 1. Configured blocklist, plain substring match.
	for _, blocked := range v.policy.BlockedCommands {
		if blocked == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(blocked)) {
			return Result{
				Allowed: false,
				Reason:  fmt.Sprintf("command contains blocked pattern %q", blocked),
				Risk:    RiskHigh,
			}
		}
	}

	// 2. Dangerous-operation patterns.
	for _, p := range v.dangerous {
		if !p.re.MatchString(lower) {
			continue
		}
		if v.policy.Tier == TierStrict && p.risk == RiskHigh {
			return Result{
				Allowed:     false,
				Reason:      fmt.Sprintf("denied under strict policy: %s", p.reason),
				Risk:        p.risk,
				Suggestions: suggestionList(p.suggestion),
			}
		}
		if v.policy.RequireConfirmation && p.risk != RiskLow {
			return Result{
				Allowed:     false,
				Reason:      fmt.Sprintf("requires confirmation: %s", p.reason),
				Risk:        p.risk,
				Suggestions: suggestionList(p.suggestion),
			}
		}
	}

	// 3. Path access.
	if res, denied := v.checkPaths(trimmed); denied {
		return res
	}

	// 4. Privilege escalation.
	if v.escalation.MatchString(lower) {
		if v.policy.Tier == TierStrict {
			return Result{
				Allowed:     false,
				Reason:      "privilege escalation denied under strict policy",
				Risk:        RiskHigh,
				Suggestions: []string{"run the command without sudo/su"},
			}
		}
		return Result{Allowed: true, Risk: RiskHigh}
	}

	// 5. Sandbox restrictions.
	if v.policy.NoNetwork && v.network.MatchString(lower) {
		return Result{
			Allowed: false,
			Reason:  "network access is disabled in this sandbox",
			Risk:    RiskMedium,
		}
	}
	if v.policy.ReadOnly && v.writeShape.MatchString(lower) {
		return Result{
			Allowed: false,
			Reason:  "write operations are disabled in this read-only sandbox",
			Risk:    RiskMedium,
		}
	}

	// 6. Allowed, with the risk tier computed from the same tables. Used
	// downstream for audit classification only.
	return Result{Allowed: true, Risk: v.assessRisk(lower)}
}

func (v *Validator) checkPaths(command string) (Result, bool) {
	for _, token := range pathTokens(command) {
		abs := filepath.Clean(token)
		if !filepath.IsAbs(abs) {
			continue
		}
		if v.policy.Tier == TierStrict {
			for _, dir := range v.protected {
				if underDir(abs, dir) {
					return Result{
						Allowed:     false,
						Reason:      fmt.Sprintf("path %s is under protected directory %s", abs, dir),
						Risk:        RiskHigh,
						Suggestions: []string{"operate on files inside an allowed directory"},
					}, true
				}
			}
		}
		if len(v.policy.AllowedDirs) > 0 && !v.underAllowed(abs) {
			return Result{
				Allowed: false,
				Reason:  fmt.Sprintf("path %s is outside the allowed directories", abs),
				Risk:    RiskMedium,
			}, true
		}
	}
	return Result{}, false
}

func (v *Validator) underAllowed(abs string) bool {
	for _, dir := range v.policy.AllowedDirs {
		if underDir(abs, dir) {
			return true
		}
	}
	return false
}

func (v *Validator) assessRisk(lower string) RiskLevel {
	risk := RiskLow
	for _, p := range v.dangerous {
		if p.re.MatchString(lower) {
			if p.risk == RiskHigh {
				return RiskHigh
			}
			risk = RiskMedium
		}
	}
	if v.escalation.MatchString(lower) {
		return RiskHigh
	}
	if risk == RiskLow && v.network.MatchString(lower) {
		risk = RiskMedium
	}
	return risk
}

// pathTokens extracts the path-like tokens from a command line: anything
// that starts with /, ./ or ../ and is not an option flag.
func pathTokens(command string) []string {
	var tokens []string
	for _, field := range strings.Fields(command) {
		field = strings.Trim(field, `"'`)
		// Strip option prefixes of the form --opt=/path.
		if idx := strings.Index(field, "="); idx >= 0 && strings.HasPrefix(field, "-") {
			field = field[idx+1:]
		}
		if strings.HasPrefix(field, "-") {
			continue
		}
		if strings.HasPrefix(field, "/") || strings.HasPrefix(field, "./") || strings.HasPrefix(field, "../") {
			tokens = append(tokens, field)
		}
	}
	return tokens
}

func underDir(path, dir string) bool {
	dir = filepath.Clean(dir)
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

func suggestionList(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
