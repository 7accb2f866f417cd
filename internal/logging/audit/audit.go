// Package audit writes structured audit events for file operations.
package audit

import (
	"github.com/rs/zerolog"
)

// Results recorded on audit events.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

// Logger provides structured audit logging for operations that change or
// expose stored files. Every event carries event_type so audit lines can be
// filtered out of the regular log stream.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

func levelFor(result string) zerolog.Level {
	switch result {
	case ResultOK:
		return zerolog.InfoLevel
	default:
		return zerolog.WarnLevel
	}
}

// LogObjectOp logs a single-node object operation.
// operation: "put" or "get"
// node: index of the node that served the request, -1 if none did
func (l *Logger) LogObjectOp(owner, operation, objectKey string, node int, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "object_operation").
		Str("owner", owner).
		Str("operation", operation).
		Str("object_key", objectKey).
		Str("result", result)

	if node >= 0 {
		event = event.Int("node", node)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Object operation")
}

// LogDelete logs a delete fanned out to every node.
func (l *Logger) LogDelete(owner, objectKey string, succeeded, total int) {
	result := ResultOK
	switch {
	case succeeded == 0:
		result = ResultFailed
	case succeeded < total:
		result = ResultPartial
	}

	l.logger.WithLevel(levelFor(result)).
		Str("event_type", "object_delete").
		Str("owner", owner).
		Str("object_key", objectKey).
		Int("succeeded", succeeded).
		Int("nodes", total).
		Str("result", result).
		Msg("Object deleted")
}

// LogRecord logs a catalog change.
// action: "create", "delete" or "pending_delete"
func (l *Logger) LogRecord(owner, action, fileID, objectKey string) {
	l.logger.Info().
		Str("event_type", "catalog").
		Str("owner", owner).
		Str("action", action).
		Str("file_id", fileID).
		Str("object_key", objectKey).
		Msg("Catalog event")
}
