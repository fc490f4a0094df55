package goSession

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/goSession/session"
)

// LintSeverity ranks a configuration warning.
type LintSeverity uint8

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("LintSeverity(%d)", uint8(s))
	}
}

// LintWarning is a valid but questionable setting.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintResult is the ordered output of Config.Lint.
type LintResult []LintWarning

// Codes returns the codes of every warning in order.
func (r LintResult) Codes() []string {
	codes := make([]string, 0, len(r))
	for _, w := range r {
		codes = append(codes, w.Code)
	}
	return codes
}

// BySeverity returns warnings at or above min.
func (r LintResult) BySeverity(min LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// AsError joins every warning at or above min into one error, or returns nil.
func (r LintResult) AsError(min LintSeverity) error {
	selected := r.BySeverity(min)
	if len(selected) == 0 {
		return nil
	}
	parts := make([]string, 0, len(selected))
	for _, w := range selected {
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", w.Severity, w.Code, w.Message))
	}
	return errors.New("config lint: " + strings.Join(parts, "; "))
}

// Lint reports settings that pass Validate but are likely mistakes in
// production. It never modifies c.
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	expires := c.Session.DefaultMaxInactiveInterval > 0

	if expires && !c.Expiration.SweepEnabled && !c.Expiration.ListenNotifications {
		add("expiration_paths_disabled", LintHigh,
			"only passive expiration is active; sessions that are never read again stay in the store forever")
	}
	if !expires {
		add("never_expires_default", LintWarn,
			"new sessions never expire unless SetMaxInactiveInterval is called")
	}
	if c.Session.TouchOnAccess && c.Session.FlushMode == FlushImmediate {
		add("touch_immediate_amplification", LintWarn,
			"every GetSession issues a store write because TouchOnAccess flushes immediately")
	}
	if expires && c.Expiration.SweepEnabled && c.Expiration.SweepInterval > c.Session.DefaultMaxInactiveInterval {
		add("sweep_interval_long", LintWarn,
			"sweep interval exceeds the default max inactive interval; expired sessions linger for up to one interval")
	}
	if c.Expiration.ListenNotifications && !c.Redis.EnableKeyspaceNotifications {
		add("notifications_need_server_config", LintInfo,
			"expiry notifications require notify-keyspace-events to be configured on the server")
	}
	if c.Session.SavePolicy == session.SaveAlways {
		add("always_policy_write_amplification", LintInfo,
			"SaveAlways rewrites every attribute on each dirty save")
	}
	if !c.Events.Enabled {
		add("events_disabled", LintInfo, "session lifecycle events are not emitted")
	}
	if !c.Metrics.Enabled {
		add("metrics_disabled", LintInfo, "engine counters are not recorded")
	}

	return ws
}
