package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ashureev/fda-chat/internal/domain"
)

// clientVersion is reported to the MCP server during initialization.
const clientVersion = "1.0.0"

// MCP dials tool hosts speaking the Model Context Protocol.
type MCP struct {
	client    *mcp.Client
	transport func() (mcp.Transport, error)
}

// NewMCP returns a dialer for an MCP server reachable over the SSE
// transport at endpoint.
func NewMCP(endpoint string) (*MCP, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid tool host url %q", endpoint)
	}
	normalized := u.String()
	return &MCP{
		client: mcp.NewClient(&mcp.Implementation{Name: "fda-chat", Version: clientVersion}, nil),
		transport: func() (mcp.Transport, error) {
			return &mcp.SSEClientTransport{Endpoint: normalized}, nil
		},
	}, nil
}

// Dial implements Dialer.
func (m *MCP) Dial(ctx context.Context) (Conn, error) {
	transport, err := m.transport()
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &mcpConn{session: session}, nil
}

type mcpConn struct {
	session   *mcp.ClientSession
	closeOnce sync.Once
	closeErr  error
}

func (c *mcpConn) Discover(ctx context.Context) ([]domain.ToolDeclaration, error) {
	var decls []domain.ToolDeclaration
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		decls = append(decls, toDeclaration(tool))
	}
	return decls, nil
}

func (c *mcpConn) Invoke(ctx context.Context, name string, args map[string]any) (*InvokeResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	return toInvokeResult(res), nil
}

func (c *mcpConn) Ping(ctx context.Context) error {
	return c.session.Ping(ctx, nil)
}

func (c *mcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.session.Close()
		// A session torn down by its transport reports the closure again.
		if errors.Is(c.closeErr, context.Canceled) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

func toDeclaration(tool *mcp.Tool) domain.ToolDeclaration {
	if tool == nil {
		return domain.ToolDeclaration{}
	}
	decl := domain.ToolDeclaration{Name: tool.Name, Description: tool.Description}
	if tool.InputSchema != nil {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			decl.Schema = raw
			decl.Params = domain.ParamsFromSchema(raw)
		}
	}
	return decl
}

func toInvokeResult(res *mcp.CallToolResult) *InvokeResult {
	out := &InvokeResult{}
	if res == nil {
		return out
	}
	out.IsError = res.IsError
	out.Structured = toObject(res.StructuredContent)
	for _, content := range res.Content {
		switch c := content.(type) {
		case *mcp.TextContent:
			out.Segments = append(out.Segments, Segment{Type: "text", Text: c.Text})
		case *mcp.ImageContent:
			out.Segments = append(out.Segments, Segment{Type: "image"})
		case *mcp.AudioContent:
			out.Segments = append(out.Segments, Segment{Type: "audio"})
		case *mcp.ResourceLink:
			out.Segments = append(out.Segments, Segment{Type: "resource_link"})
		case *mcp.EmbeddedResource:
			out.Segments = append(out.Segments, Segment{Type: "resource"})
		default:
			out.Segments = append(out.Segments, Segment{Type: fmt.Sprintf("%T", c)})
		}
	}
	return out
}

// toObject normalizes structured content to a JSON object. Anything else
// yields nil.
func toObject(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
