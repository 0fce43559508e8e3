// Package audit writes one JSON line per security-relevant event —
// code validation outcomes and network access decisions — matching
// security.rs's AuditLogger. Writes are append-only and best-effort:
// a failing write is logged through observability.Logger, never
// returned to the caller, since audit logging must not be able to
// fail an execution that is otherwise allowed.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmesh/sandboxd/pkg/observability"
)

// Event is a single audit record, matching security.rs's AuditEvent.
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	UserID      string            `json:"user_id"`
	EventType   string            `json:"event_type"`
	Severity    string            `json:"severity"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// Logger appends Events to a single log file. Enabled mirrors
// ENABLE_AUDIT_LOG; when false every method is a no-op.
type Logger struct {
	enabled bool
	path    string
	mu      sync.Mutex
	log     observability.Logger
}

// NewLogger ensures path's parent directory exists (when enabled) and
// returns a ready Logger.
func NewLogger(enabled bool, path string, log observability.Logger) (*Logger, error) {
	if enabled {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create audit log directory: %w", err)
			}
		}
	}
	return &Logger{enabled: enabled, path: path, log: log}, nil
}

// LogCodeValidation records the outcome of a static validation pass,
// matching AuditLogger::log_validation_event.
func (l *Logger) LogCodeValidation(userID string, isSafe bool, riskScore float64, violations []string) {
	if !l.enabled {
		return
	}

	severity := "INFO"
	if !isSafe {
		severity = "WARNING"
	}

	event := Event{
		Timestamp:   time.Now().UTC(),
		UserID:      userID,
		EventType:   "code_validation",
		Severity:    severity,
		Description: fmt.Sprintf("Code validation result: safe=%t, risk_score=%.2f", isSafe, riskScore),
		Metadata: map[string]string{
			"risk_score":      fmt.Sprintf("%.2f", riskScore),
			"violations_count": fmt.Sprintf("%d", len(violations)),
			"violations":      joinSemicolon(violations),
		},
	}

	l.write(event)
}

// LogNetworkAccess records an allow/deny decision for an outbound
// host:port request, matching AuditLogger::log_network_access_event.
func (l *Logger) LogNetworkAccess(userID, host string, port int, allowed bool) {
	if !l.enabled {
		return
	}

	severity := "INFO"
	outcome := "ALLOWED"
	if !allowed {
		severity = "WARNING"
		outcome = "DENIED"
	}

	event := Event{
		Timestamp:   time.Now().UTC(),
		UserID:      userID,
		EventType:   "network_access",
		Severity:    severity,
		Description: fmt.Sprintf("Network access request: %s:%d - %s", host, port, outcome),
		Metadata: map[string]string{
			"host":    host,
			"port":    fmt.Sprintf("%d", port),
			"allowed": fmt.Sprintf("%t", allowed),
		},
	}

	l.write(event)
}

// write appends event as a single JSON line to the log file, matching
// write_audit_event's append-only semantics. A write failure is logged
// and swallowed.
func (l *Logger) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		if l.log != nil {
			l.log.Error("audit: marshal event failed", map[string]interface{}{"error": err.Error(), "event_type": event.EventType})
		}
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if l.log != nil {
			l.log.Error("audit: open log file failed", map[string]interface{}{"error": err.Error(), "path": l.path})
		}
		return
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		if l.log != nil {
			l.log.Error("audit: write event failed", map[string]interface{}{"error": err.Error(), "path": l.path})
		}
	}
}

func joinSemicolon(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}
