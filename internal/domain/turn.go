// Package domain contains core domain types for the FDA chat gateway.
package domain

import (
	"encoding/json"
	"strings"
)

// Role tags a conversation turn.
type Role string

const (
	// RoleSystem carries the system instruction seeded into new sessions.
	RoleSystem Role = "system"
	// RoleUser carries a message typed by the end user.
	RoleUser Role = "user"
	// RoleAssistant carries model output: text, tool calls, or both.
	RoleAssistant Role = "assistant"
	// RoleToolResult carries the outcome of one tool call.
	RoleToolResult Role = "tool-result"
)

// ToolCall is a tool invocation requested by the completion provider.
// Arguments is kept as the raw JSON the provider produced; it is parsed
// only when the call is executed.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a single tool call, correlated by CallID.
type ToolResult struct {
	CallID  string        `json:"call_id"`
	Name    string        `json:"name"`
	Content ResultContent `json:"-"`
}

// Turn is one entry in a conversation history. Exactly which fields are
// populated depends on Role: assistant turns may carry Text and Calls
// together, tool-result turns carry Result.
type Turn struct {
	Role   Role        `json:"role"`
	Text   string      `json:"text,omitempty"`
	Calls  []ToolCall  `json:"calls,omitempty"`
	Result *ToolResult `json:"result,omitempty"`
}

// History is an ordered, append-only conversation.
type History []Turn

// SystemTurn returns a system-instruction turn.
func SystemTurn(text string) Turn {
	return Turn{Role: RoleSystem, Text: text}
}

// UserTurn returns a user message turn.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Text: text}
}

// AssistantTurn returns an assistant turn with optional tool calls.
func AssistantTurn(text string, calls []ToolCall) Turn {
	return Turn{Role: RoleAssistant, Text: text, Calls: calls}
}

// ToolResultTurn returns the tool-result turn answering call.
func ToolResultTurn(call ToolCall, content ResultContent) Turn {
	return Turn{
		Role:   RoleToolResult,
		Result: &ToolResult{CallID: call.ID, Name: call.Name, Content: content},
	}
}

// HasToolCalls reports whether the turn requests tool execution.
func (t Turn) HasToolCalls() bool {
	return len(t.Calls) > 0
}

// Clone returns a copy that shares no slices with h. Turns themselves are
// immutable once appended, so a shallow copy of each call slice suffices.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	for i, turn := range h {
		if turn.Calls != nil {
			turn.Calls = append([]ToolCall(nil), turn.Calls...)
		}
		out[i] = turn
	}
	return out
}

// PendingCalls returns the ids of tool calls that have no matching
// tool-result turn yet.
func (h History) PendingCalls() []string {
	open := make(map[string]struct{})
	var order []string
	for _, turn := range h {
		for _, call := range turn.Calls {
			open[call.ID] = struct{}{}
			order = append(order, call.ID)
		}
		if turn.Result != nil {
			delete(open, turn.Result.CallID)
		}
	}
	var pending []string
	for _, id := range order {
		if _, ok := open[id]; ok {
			pending = append(pending, id)
		}
	}
	return pending
}

// Truncate shortens s to at most limit bytes without splitting a UTF-8
// sequence. Used only for observability surfaces.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.Clone(s[:cut])
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
