package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/fda-chat/internal/provider"
)

func collect(t *testing.T, h *harness, req ChatRequest) []Event {
	t.Helper()
	var events []Event
	for ev := range h.orch.Stream(context.Background(), req) {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestStreamEventOrder(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{Text: "Checking ", Calls: callResponse(toolCall("c1", "search_recalls", `{"query":"x"}`)).Calls},
		textResponse("Found two recalls."),
	}}
	h := newHarness(DefaultConfig(), p, newFakeHost("search_recalls"))

	events := collect(t, h, ChatRequest{Message: "recalls?", SessionID: "s"})
	assert.Equal(t, []EventType{
		EventTextDelta,
		EventToolStart,
		EventToolEnd,
		EventTextDelta, EventTextDelta, EventTextDelta,
		EventDone,
	}, eventTypes(events))

	start := events[1].Data.(ToolStartData)
	assert.Equal(t, "search_recalls", start.ToolName)
	assert.Equal(t, map[string]any{"query": "x"}, start.ToolArgs)

	end := events[2].Data.(ToolEndData)
	assert.True(t, end.Success)
	assert.Empty(t, end.Error)

	var text strings.Builder
	for _, ev := range events[3:6] {
		text.WriteString(ev.Data.(TextDeltaData).Text)
	}
	assert.Equal(t, "Found two recalls.", text.String())

	done := events[len(events)-1].Data.(DoneData)
	assert.Equal(t, "s", done.SessionID)
	require.Len(t, done.ToolsUsed, 1)

	acquired, released := h.host.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
	assert.Len(t, h.sessions.GetOrCreate("s"), 5)
}

func TestStreamDoneCarriesEmptyToolList(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{textResponse("Hello")}}
	h := newHarness(DefaultConfig(), p, newFakeHost())

	events := collect(t, h, ChatRequest{Message: "hi"})
	require.NotEmpty(t, events)
	done := events[len(events)-1].Data.(DoneData)
	assert.NotNil(t, done.ToolsUsed)
	assert.Empty(t, done.ToolsUsed)
}

func TestStreamProviderErrorEndsWithErrorEvent(t *testing.T) {
	p := &scriptedProvider{
		responses: []*provider.Response{
			callResponse(toolCall("c1", "search_recalls", `{}`)),
		},
		errs: map[int]error{1: &provider.Error{StatusCode: 503, Message: "model overloaded"}},
	}
	h := newHarness(DefaultConfig(), p, newFakeHost("search_recalls"))

	events := collect(t, h, ChatRequest{Message: "recalls?", SessionID: "s"})
	assert.Equal(t, []EventType{EventToolStart, EventToolEnd, EventError}, eventTypes(events))
	assert.Equal(t, "model overloaded", events[2].Data.(ErrorData).Message)

	acquired, released := h.host.counts()
	assert.Equal(t, acquired, released)
	assert.Len(t, h.sessions.GetOrCreate("s"), 1, "failed run does not touch history")
}

func TestStreamEmptyMessage(t *testing.T) {
	h := newHarness(DefaultConfig(), &scriptedProvider{}, newFakeHost())

	events := collect(t, h, ChatRequest{Message: ""})
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, ErrEmptyMessage.Error(), events[0].Data.(ErrorData).Message)
}

func TestStreamConsumerStopReleasesConnection(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		callResponse(toolCall("c1", "search_recalls", `{}`)),
		textResponse("never delivered"),
	}}
	h := newHarness(DefaultConfig(), p, newFakeHost("search_recalls"))

	var seen []EventType
	for ev := range h.orch.Stream(context.Background(), ChatRequest{Message: "recalls?", SessionID: "s"}) {
		seen = append(seen, ev.Type)
		if ev.Type == EventToolEnd {
			break
		}
	}
	assert.Equal(t, []EventType{EventToolStart, EventToolEnd}, seen)

	acquired, released := h.host.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
	assert.Len(t, p.calls(), 1, "no further provider rounds after the consumer left")
	assert.Len(t, h.sessions.GetOrCreate("s"), 1)
}

func TestStreamConsumerStopDuringText(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{textResponse("a b c d")}}
	h := newHarness(DefaultConfig(), p, newFakeHost())

	count := 0
	for range h.orch.Stream(context.Background(), ChatRequest{Message: "hi", SessionID: "s"}) {
		count++
		break
	}
	assert.Equal(t, 1, count)
	assert.Len(t, h.sessions.GetOrCreate("s"), 1)
}

func TestStreamRoundCeilingEndsWithDone(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		callResponse(toolCall("c", "search_recalls", `{"q":"loop"}`)),
	}}
	cfg := DefaultConfig()
	cfg.MaxTurns = 2
	h := newHarness(cfg, p, newFakeHost("search_recalls"))

	events := collect(t, h, ChatRequest{Message: "loop", SessionID: "s"})
	assert.Equal(t, []EventType{
		EventToolStart, EventToolEnd,
		EventToolStart, EventToolEnd,
		EventDone,
	}, eventTypes(events))

	done := events[len(events)-1].Data.(DoneData)
	assert.Len(t, done.ToolsUsed, 2)
	assert.Len(t, p.calls(), 2)

	acquired, released := h.host.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
	assert.Empty(t, h.sessions.GetOrCreate("s").PendingCalls())
}

func TestStreamSummarizeShape(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		callResponse(toolCall("c1", "search_recalls", `{"query":"x"}`)),
		textResponse("Two recalls found."),
	}}
	cfg := DefaultConfig()
	cfg.Shape = ShapeSummarize
	h := newHarness(cfg, p, newFakeHost("search_recalls"))

	events := collect(t, h, ChatRequest{Message: "recalls?", SessionID: "s"})
	assert.Equal(t, []EventType{
		EventToolStart,
		EventToolEnd,
		EventTextDelta, EventTextDelta, EventTextDelta,
		EventDone,
	}, eventTypes(events))

	reqs := p.calls()
	require.Len(t, reqs, 2)
	assert.False(t, reqs[0].SuppressTools)
	assert.True(t, reqs[1].SuppressTools)

	acquired, released := h.host.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, acquired, released)
	assert.Len(t, h.sessions.GetOrCreate("s"), 5)
}
