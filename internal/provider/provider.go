// Package provider implements the completion provider used by the turn
// orchestrator: a stateless call that, given a conversation and optional
// tool declarations, returns text and/or tool-call requests.
package provider

import (
	"context"
	"fmt"
	"iter"

	"github.com/ashureev/fda-chat/internal/domain"
)

// Provider is a completion backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Complete sends the conversation and blocks until the full response
	// is available.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends the conversation and yields text deltas as they arrive,
	// followed by exactly one EventDone carrying the assembled Response.
	// A non-nil error ends the sequence.
	Stream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error]
}

// Request is one provider call.
type Request struct {
	History domain.History
	Tools   []domain.ToolDeclaration
	// SuppressTools forbids tool calls in the response while still
	// declaring the tools, so histories containing earlier calls stay valid.
	SuppressTools bool
}

// Response is a complete provider answer. Text and Calls may both be set.
type Response struct {
	Text         string
	Calls        []domain.ToolCall
	FinishReason string
	Usage        Usage
}

// HasToolCalls reports whether the provider requested tool execution.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.Calls) > 0
}

// Usage reports token counts for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// StreamEventType identifies a streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental piece of response text.
	EventTextDelta StreamEventType = "text_delta"
	// EventDone carries the assembled response and ends the stream.
	EventDone StreamEventType = "done"
)

// StreamEvent is one item of a streaming response.
type StreamEvent struct {
	Type     StreamEventType
	Text     string
	Response *Response // set on EventDone
}

// Error is a provider-reported failure.
type Error struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider error (HTTP %d, %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, e.Message)
}
