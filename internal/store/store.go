// Package store provides session state and execution log persistence.
package store

import (
	"context"
	"time"

	"github.com/ashureev/fda-chat/internal/domain"
)

// SessionStore maps session ids to conversation histories.
type SessionStore interface {
	// GetOrCreate returns a copy of the history for id, creating the session
	// (seeded with the system turn) when it does not exist yet.
	GetOrCreate(id string) domain.History

	// Replace overwrites the history for id with a copy of h.
	Replace(id string, h domain.History)

	// Delete removes the session. It reports whether the session existed.
	Delete(id string) bool

	// Len returns the number of live sessions.
	Len() int
}

// Exchange is one completed chat request as recorded in the execution log.
type Exchange struct {
	SessionID string
	Message   string
	Response  string
	Tools     []domain.ToolExecution
	Streamed  bool
	Err       string
	StartedAt time.Time
	Duration  time.Duration
}

// ExecutionRecorder persists exchanges for audit. Implementations must not
// be read back into session state.
type ExecutionRecorder interface {
	// RecordExchange appends one exchange and its tool executions.
	RecordExchange(ctx context.Context, ex Exchange) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}

// NopRecorder discards every exchange. Used when the execution log is off.
type NopRecorder struct{}

// RecordExchange implements ExecutionRecorder.
func (NopRecorder) RecordExchange(context.Context, Exchange) error { return nil }

// Ping implements ExecutionRecorder.
func (NopRecorder) Ping(context.Context) error { return nil }

// Close implements ExecutionRecorder.
func (NopRecorder) Close() error { return nil }
