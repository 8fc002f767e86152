package control

import (
	"context"
	"log/slog"
	"time"
)

// Control surfaces recorded in audit entries
const (
	SurfaceGRPC = "grpc"
	SurfaceMCP  = "mcp"
)

// AuditEntry records one operator action
type AuditEntry struct {
	Timestamp time.Time
	Surface   string
	Action    string
	Arguments map[string]any
	JobID     string
	ErrorMsg  string
}

// AuditLogger writes operator actions that change farm state
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger.With("component", "audit")}
}

// LogCall records the invocation of a control action
func (al *AuditLogger) LogCall(ctx context.Context, entry *AuditEntry) {
	al.logger.InfoContext(ctx, "control_call",
		"surface", entry.Surface,
		"action", entry.Action,
		"arguments", entry.Arguments,
		"timestamp", stamp(entry),
	)
}

// LogResult records how a control action ended
func (al *AuditLogger) LogResult(ctx context.Context, entry *AuditEntry) {
	if entry.ErrorMsg != "" {
		al.logger.WarnContext(ctx, "control_error",
			"surface", entry.Surface,
			"action", entry.Action,
			"error", entry.ErrorMsg,
			"timestamp", stamp(entry),
		)
		return
	}
	al.logger.InfoContext(ctx, "control_result",
		"surface", entry.Surface,
		"action", entry.Action,
		"job_id", entry.JobID,
		"timestamp", stamp(entry),
	)
}

func stamp(entry *AuditEntry) time.Time {
	if entry.Timestamp.IsZero() {
		return time.Now()
	}
	return entry.Timestamp
}

// audited runs action between a call and a result record
func (al *AuditLogger) audited(ctx context.Context, surface, action string, args map[string]any, fn func() (string, error)) (string, error) {
	al.LogCall(ctx, &AuditEntry{Surface: surface, Action: action, Arguments: args})
	jobID, err := fn()
	result := &AuditEntry{Surface: surface, Action: action, JobID: jobID}
	if err != nil {
		result.ErrorMsg = err.Error()
	}
	al.LogResult(ctx, result)
	return jobID, err
}
