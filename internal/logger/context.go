package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds connection-scoped logging context.
//
// A controller creates one LogContext per accepted socket and threads it
// through the inbound pipeline so every log line carries the instrument and
// client identity without repeating the fields at each call site.
type LogContext struct {
	Instrument  string    // Logical instrument name
	ClientIP    string    // Analyzer IP address (without port)
	MessageID   string    // UUID of the message currently being processed
	MessageType string    // Classified message type, once known
	StartTime   time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a connection
func NewLogContext(instrument, clientIP string) *LogContext {
	return &LogContext{
		Instrument: instrument,
		ClientIP:   clientIP,
		StartTime:  time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}
