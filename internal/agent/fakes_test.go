package agent

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/fda-chat/internal/domain"
	"github.com/ashureev/fda-chat/internal/provider"
	"github.com/ashureev/fda-chat/internal/store"
	"github.com/ashureev/fda-chat/internal/toolhost"
)

// scriptedProvider answers calls from a fixed list. Once the list is
// exhausted the last response repeats.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*provider.Response
	errs      map[int]error
	delay     time.Duration
	requests  []provider.Request

	inflight    int
	maxInflight int
}

func (p *scriptedProvider) next(ctx context.Context, req provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, provider.Request{
		History:       req.History.Clone(),
		Tools:         req.Tools,
		SuppressTools: req.SuppressTools,
	})
	p.inflight++
	if p.inflight > p.maxInflight {
		p.maxInflight = p.inflight
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := p.errs[idx]; err != nil {
		return nil, err
	}
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	resp := *p.responses[idx]
	return &resp, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return p.next(ctx, req)
}

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) iter.Seq2[provider.StreamEvent, error] {
	return func(yield func(provider.StreamEvent, error) bool) {
		resp, err := p.next(ctx, req)
		if err != nil {
			yield(provider.StreamEvent{}, err)
			return
		}
		if resp.Text != "" {
			for _, chunk := range strings.SplitAfter(resp.Text, " ") {
				if chunk == "" {
					continue
				}
				if !yield(provider.StreamEvent{Type: provider.EventTextDelta, Text: chunk}, nil) {
					return
				}
			}
		}
		yield(provider.StreamEvent{Type: provider.EventDone, Response: resp}, nil)
	}
}

func (p *scriptedProvider) calls() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}

func (p *scriptedProvider) peakConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

// fakeHost is an in-process tool host.
type fakeHost struct {
	catalog    *toolhost.Catalog
	invoke     func(name string, args map[string]any) (*toolhost.InvokeResult, error)
	acquireErr error

	mu       sync.Mutex
	acquired int
	released int
	invoked  []string
}

func newFakeHost(names ...string) *fakeHost {
	decls := make([]domain.ToolDeclaration, 0, len(names))
	for _, n := range names {
		decls = append(decls, domain.ToolDeclaration{Name: n, Description: n + " tool"})
	}
	return &fakeHost{
		catalog: toolhost.NewCatalog(decls),
		invoke: func(name string, _ map[string]any) (*toolhost.InvokeResult, error) {
			return &toolhost.InvokeResult{Segments: []toolhost.Segment{{Type: "text", Text: name + " result"}}}, nil
		},
	}
}

func (h *fakeHost) Catalog() *toolhost.Catalog { return h.catalog }

func (h *fakeHost) Acquire(context.Context) (toolhost.Conn, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acquireErr != nil {
		return nil, nil, h.acquireErr
	}
	h.acquired++
	var once sync.Once
	release := func() {
		once.Do(func() {
			h.mu.Lock()
			h.released++
			h.mu.Unlock()
		})
	}
	return &fakeToolConn{host: h}, release, nil
}

func (h *fakeHost) counts() (acquired, released int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquired, h.released
}

func (h *fakeHost) invokedTools() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.invoked...)
}

type fakeToolConn struct {
	host *fakeHost
}

func (c *fakeToolConn) Discover(context.Context) ([]domain.ToolDeclaration, error) {
	return c.host.catalog.Tools(), nil
}

func (c *fakeToolConn) Invoke(_ context.Context, name string, args map[string]any) (*toolhost.InvokeResult, error) {
	c.host.mu.Lock()
	c.host.invoked = append(c.host.invoked, name)
	c.host.mu.Unlock()
	return c.host.invoke(name, args)
}

func (c *fakeToolConn) Ping(context.Context) error { return nil }
func (c *fakeToolConn) Close() error               { return nil }

// memoryRecorder keeps exchanges in memory.
type memoryRecorder struct {
	mu        sync.Mutex
	exchanges []store.Exchange
}

func (r *memoryRecorder) RecordExchange(_ context.Context, ex store.Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges = append(r.exchanges, ex)
	return nil
}

func (r *memoryRecorder) Ping(context.Context) error { return nil }
func (r *memoryRecorder) Close() error               { return nil }

func (r *memoryRecorder) all() []store.Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Exchange(nil), r.exchanges...)
}

func toolCall(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func textResponse(text string) *provider.Response {
	return &provider.Response{Text: text, FinishReason: "stop"}
}

func callResponse(calls ...domain.ToolCall) *provider.Response {
	return &provider.Response{Calls: calls, FinishReason: "tool_calls"}
}
