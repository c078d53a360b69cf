// Package toolhost connects to the external process that executes tools
// and manages that connection's lifecycle.
package toolhost

import (
	"context"
	"strings"

	"github.com/ashureev/fda-chat/internal/domain"
)

// Conn is one live connection to the tool host.
type Conn interface {
	// Discover enumerates the tools the host offers.
	Discover(ctx context.Context) ([]domain.ToolDeclaration, error)

	// Invoke runs one tool with already-parsed arguments.
	Invoke(ctx context.Context, name string, args map[string]any) (*InvokeResult, error)

	// Ping checks that the connection is still usable.
	Ping(ctx context.Context) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

// Segment is one content item of a tool result.
type Segment struct {
	Type string
	Text string
}

// InvokeResult is the raw outcome of a tool invocation.
type InvokeResult struct {
	Segments []Segment
	// Structured is the tool's structured output, when it returned a JSON
	// object.
	Structured map[string]any
	// IsError is set when the host ran the tool but the tool reported
	// failure.
	IsError bool
}

// Text joins the text segments with newlines. Non-text segments are
// dropped.
func (r *InvokeResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, seg := range r.Segments {
		if seg.Type == "text" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, "\n")
}
