package toolhost

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

func newInMemoryMCP(t *testing.T) *MCP {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "openfda-test", Version: "test"}, nil)

	server.AddTool(&mcp.Tool{
		Name:        "search_recalls",
		Description: "Search FDA drug recalls",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search term"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []any{"query"},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{Content: []mcp.Content{
			&mcp.TextContent{Text: "recall for " + args.Query},
			&mcp.ImageContent{Data: []byte{0x1}, MIMEType: "image/png"},
			&mcp.TextContent{Text: "Class II"},
		}}, nil
	})

	server.AddTool(&mcp.Tool{
		Name:        "get_drug_label",
		Description: "Fetch a drug label",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "label not found"}},
		}, nil
	})

	server.AddTool(&mcp.Tool{
		Name:        "recall_stats",
		Description: "Count recalls by classification",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content:           []mcp.Content{},
			StructuredContent: map[string]any{"total": 3, "classification": "Class II"},
		}, nil
	})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	session, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Close()
		cancel()
	})

	return &MCP{
		client: mcp.NewClient(&mcp.Implementation{Name: "fda-chat-test", Version: "test"}, nil),
		transport: func() (mcp.Transport, error) {
			return clientTransport, nil
		},
	}
}

func TestMCPDiscoverAndInvoke(t *testing.T) {
	ctx := context.Background()
	conn, err := newInMemoryMCP(t).Dial(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	decls, err := conn.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, decls, 3)

	byName := map[string]int{}
	for i, d := range decls {
		byName[d.Name] = i
	}
	recalls := decls[byName["search_recalls"]]
	require.Equal(t, "Search FDA drug recalls", recalls.Description)
	require.True(t, recalls.Params["query"].Required)
	require.Equal(t, "integer", recalls.Params["limit"].Type)
	require.NotEmpty(t, recalls.Schema)

	res, err := conn.Invoke(ctx, "search_recalls", map[string]any{"query": "insulin"})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Segments, 3)
	require.Equal(t, "recall for insulin\nClass II", res.Text())

	res, err = conn.Invoke(ctx, "get_drug_label", nil)
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "label not found", res.Text())

	require.NoError(t, conn.Ping(ctx))
}

func TestMCPStructuredContent(t *testing.T) {
	ctx := context.Background()
	conn, err := newInMemoryMCP(t).Dial(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	res, err := conn.Invoke(ctx, "recall_stats", map[string]any{})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Empty(t, res.Text())
	require.Equal(t, map[string]any{"total": float64(3), "classification": "Class II"}, res.Structured)

	res, err = conn.Invoke(ctx, "search_recalls", map[string]any{"query": "insulin"})
	require.NoError(t, err)
	require.Nil(t, res.Structured)
}

func TestToObject(t *testing.T) {
	require.Nil(t, toObject(nil))
	require.Nil(t, toObject([]any{1, 2}))
	require.Nil(t, toObject("text"))
	require.Equal(t, map[string]any{"a": float64(1)}, toObject(struct {
		A int `json:"a"`
	}{A: 1}))
}

func TestMCPUnknownToolFails(t *testing.T) {
	ctx := context.Background()
	conn, err := newInMemoryMCP(t).Dial(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Invoke(ctx, "does_not_exist", map[string]any{})
	require.Error(t, err)
}

func TestMCPCloseIsIdempotent(t *testing.T) {
	conn, err := newInMemoryMCP(t).Dial(context.Background())
	require.NoError(t, err)
	first := conn.Close()
	require.Equal(t, first, conn.Close())
}

func TestNewMCPRejectsBadURL(t *testing.T) {
	_, err := NewMCP("not a url")
	require.Error(t, err)

	m, err := NewMCP("http://localhost:8000/sse")
	require.NoError(t, err)
	require.NotNil(t, m)
}
