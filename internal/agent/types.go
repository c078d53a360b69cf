// Package agent implements the tool-augmented conversation orchestrator
// and its HTTP surface.
package agent

import (
	"github.com/ashureev/fda-chat/internal/domain"
)

// ChatRequest is one user message addressed to a session.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the blocking /chat reply.
type ChatResponse struct {
	Response  string                 `json:"response"`
	SessionID string                 `json:"session_id"`
	ToolsUsed []domain.ToolExecution `json:"tools_used,omitempty"`
}

// Result is the outcome of one orchestrated request.
type Result struct {
	SessionID string
	Text      string
	ToolsUsed []domain.ToolExecution
	Rounds    int
	// Truncated is set when the round ceiling stopped the loop while the
	// provider was still requesting tools.
	Truncated bool
}

// CallShape selects how the provider is called within one request.
// The two shapes are not interchangeable: they differ in round count and
// in whether the model may call tools again after seeing results.
type CallShape string

const (
	// ShapeIterative repeats tool-enabled calls until a response carries no
	// tool calls or the round ceiling is reached.
	ShapeIterative CallShape = "iterative"
	// ShapeSummarize makes one tool-enabled call and, if tools ran, exactly
	// one tools-suppressed follow-up.
	ShapeSummarize CallShape = "summarize"
)

// Config holds orchestrator configuration.
type Config struct {
	Shape          CallShape
	MaxTurns       int
	OutputLogLimit int
	// SerializeSessions runs requests for the same session one at a time.
	// Off by default: concurrent requests on one session are last-writer-wins.
	SerializeSessions bool
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Shape:          ShapeIterative,
		MaxTurns:       10,
		OutputLogLimit: 500,
	}
}

// EventType names a streaming event.
type EventType string

const (
	// EventTextDelta carries a chunk of assistant text.
	EventTextDelta EventType = "text_delta"
	// EventToolStart is emitted before a tool is invoked.
	EventToolStart EventType = "tool_start"
	// EventToolEnd is emitted after a tool finished or failed.
	EventToolEnd EventType = "tool_end"
	// EventDone terminates a successful stream.
	EventDone EventType = "done"
	// EventError terminates a failed stream in place of EventDone.
	EventError EventType = "error"
)

// Event is one streaming event. Data is one of the *Data payload types.
type Event struct {
	Type EventType
	Data any
}

// TextDeltaData is the payload of EventTextDelta.
type TextDeltaData struct {
	Text string `json:"text"`
}

// ToolStartData is the payload of EventToolStart.
type ToolStartData struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args"`
}

// ToolEndData is the payload of EventToolEnd.
type ToolEndData struct {
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// DoneData is the payload of EventDone.
type DoneData struct {
	SessionID string                 `json:"session_id"`
	ToolsUsed []domain.ToolExecution `json:"tools_used"`
}

// ErrorData is the payload of EventError.
type ErrorData struct {
	Message string `json:"message"`
}
