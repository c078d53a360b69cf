package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ashureev/fda-chat/internal/config"
	"github.com/ashureev/fda-chat/internal/domain"
)

// OpenAI implements Provider against any OpenAI-compatible chat
// completions endpoint. The default base URL is Gemini's compatibility
// layer.
type OpenAI struct {
	client    *resty.Client
	endpoint  string
	model     string
	maxTokens int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewOpenAI creates a provider from configuration.
func NewOpenAI(cfg config.ProviderConfig, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetAuthToken(cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(4 * time.Second)
	client.AddRetryCondition(func(resp *resty.Response, _ error) bool {
		if resp == nil {
			return false
		}
		code := resp.StatusCode()
		return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
	})

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}

	return &OpenAI{
		client:    client,
		endpoint:  strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		model:     cfg.Model,
		maxTokens: cfg.MaxOutputTokens,
		limiter:   limiter,
		logger:    logger,
	}
}

// Complete implements Provider.
func (p *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(p.buildRequest(req, false)).
		Post(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	if resp.IsError() {
		return nil, parseError(resp.StatusCode(), resp.Body())
	}

	var wire openaiResponse
	if err := json.Unmarshal(resp.Body(), &wire); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, &Error{StatusCode: resp.StatusCode(), Message: "response contained no choices"}
	}

	choice := wire.Choices[0]
	out := &Response{
		Text:         contentText(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage: Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		out.Calls = append(out.Calls, domain.ToolCall{
			ID:        callID(call.ID),
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return out, nil
}

// Stream implements Provider. Tool-call fragments are accumulated by index
// and only surface in the final EventDone response.
func (p *OpenAI) Stream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		if err := p.wait(ctx); err != nil {
			yield(StreamEvent{}, err)
			return
		}

		resp, err := p.client.R().
			SetContext(ctx).
			SetBody(p.buildRequest(req, true)).
			SetDoNotParseResponse(true).
			Post(p.endpoint)
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("provider request: %w", err))
			return
		}
		body := resp.RawBody()
		defer func() {
			if closeErr := body.Close(); closeErr != nil {
				p.logger.Debug("close provider stream", "error", closeErr)
			}
		}()

		if resp.StatusCode() >= http.StatusBadRequest {
			data, _ := io.ReadAll(io.LimitReader(body, 64*1024))
			yield(StreamEvent{}, parseError(resp.StatusCode(), data))
			return
		}

		var (
			text     strings.Builder
			partials []partialCall
			finish   string
			usage    Usage
		)
		scanner := newSSEScanner(body)
		for scanner.Next() {
			ev := scanner.Event()
			if ev.Data == "[DONE]" {
				break
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				yield(StreamEvent{}, fmt.Errorf("parse stream chunk: %w", err))
				return
			}
			if chunk.Error != nil {
				yield(StreamEvent{}, &Error{
					StatusCode: resp.StatusCode(),
					Type:       chunk.Error.Type,
					Message:    chunk.Error.Message,
				})
				return
			}
			if chunk.Usage != nil {
				usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
			}

			for _, choice := range chunk.Choices {
				for _, delta := range choice.Delta.ToolCalls {
					if partials, err = accumulate(partials, delta); err != nil {
						yield(StreamEvent{}, fmt.Errorf("parse stream chunk: %w", err))
						return
					}
				}
				if choice.FinishReason != nil {
					finish = *choice.FinishReason
				}
				if choice.Delta.Content == "" {
					continue
				}
				text.WriteString(choice.Delta.Content)
				if !yield(StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content}, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(StreamEvent{}, fmt.Errorf("read provider stream: %w", err))
			return
		}
		if err := ctx.Err(); err != nil {
			yield(StreamEvent{}, err)
			return
		}

		out := &Response{Text: text.String(), FinishReason: finish, Usage: usage}
		for _, partial := range partials {
			out.Calls = append(out.Calls, domain.ToolCall{
				ID:        callID(partial.id),
				Name:      partial.name,
				Arguments: json.RawMessage(partial.arguments),
			})
		}
		yield(StreamEvent{Type: EventDone, Response: out}, nil)
	}
}

func (p *OpenAI) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider rate limit: %w", err)
	}
	return nil
}

// buildRequest converts a history into the OpenAI wire format.
func (p *OpenAI) buildRequest(req Request, stream bool) openaiRequest {
	wire := openaiRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Stream:    stream,
	}
	if stream {
		wire.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	for _, turn := range req.History {
		wire.Messages = append(wire.Messages, toOpenAIMessage(turn))
	}

	for _, tool := range req.Tools {
		params := tool.Schema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wire.Tools = append(wire.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	if len(wire.Tools) > 0 {
		if req.SuppressTools {
			wire.ToolChoice = "none"
		} else {
			wire.ToolChoice = "auto"
		}
	}
	return wire
}

func toOpenAIMessage(turn domain.Turn) openaiMessage {
	switch turn.Role {
	case domain.RoleSystem:
		return openaiMessage{Role: "system", Content: textContent(turn.Text)}
	case domain.RoleAssistant:
		msg := openaiMessage{Role: "assistant"}
		if turn.Text != "" || len(turn.Calls) == 0 {
			msg.Content = textContent(turn.Text)
		}
		for _, call := range turn.Calls {
			args := string(call.Arguments)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: openaiToolFunction{Name: call.Name, Arguments: args},
			})
		}
		return msg
	case domain.RoleToolResult:
		msg := openaiMessage{Role: "tool"}
		if turn.Result != nil {
			msg.ToolCallID = turn.Result.CallID
			msg.Name = turn.Result.Name
			if turn.Result.Content != nil {
				msg.Content = textContent(turn.Result.Content.ModelText())
			} else {
				msg.Content = textContent("")
			}
		}
		return msg
	default:
		return openaiMessage{Role: "user", Content: textContent(turn.Text)}
	}
}

func textContent(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// contentText reads a message content that is either a JSON string or an
// array of content parts.
func contentText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Type == "text" || part.Type == "" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// callID fills in an id when the provider omits one, so results can still
// be correlated. Generated ids are unique across rounds.
func callID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + uuid.NewString()
}

type partialCall struct {
	id        string
	name      string
	arguments string
}

// accumulate merges one tool-call delta. Indexes must be an existing slot
// or the next free one.
func accumulate(partials []partialCall, delta openaiStreamToolCall) ([]partialCall, error) {
	index := delta.Index
	if index < 0 || index > len(partials) {
		return partials, fmt.Errorf("tool call index %d out of range (have %d)", index, len(partials))
	}
	// Some compatible servers send every call at index 0 with distinct ids.
	if index < len(partials) && delta.ID != "" && partials[index].id != "" && partials[index].id != delta.ID {
		index = len(partials)
	}
	if index == len(partials) {
		partials = append(partials, partialCall{})
	}
	partial := &partials[index]
	if delta.ID != "" {
		partial.id = delta.ID
	}
	if delta.Function != nil {
		if delta.Function.Name != "" {
			partial.name = delta.Function.Name
		}
		partial.arguments += delta.Function.Arguments
	}
	return partials, nil
}

// parseError decodes an error body. Gemini's compatibility layer sometimes
// wraps the error object in a one-element array.
func parseError(status int, body []byte) error {
	type errObj struct {
		Error struct {
			Type    string `json:"type"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}

	var single errObj
	if json.Unmarshal(body, &single) != nil || single.Error.Message == "" {
		var list []errObj
		if json.Unmarshal(body, &list) == nil && len(list) > 0 {
			single = list[0]
		}
	}

	e := &Error{StatusCode: status, Type: single.Error.Type, Message: single.Error.Message}
	if e.Type == "" {
		e.Type = single.Error.Status
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
	}
	return e
}

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	ToolChoice    string               `json:"tool_choice,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string               `json:"type"`
	Function openaiToolDefinition `json:"function"`
}

type openaiToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openaiStreamChunk struct {
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string                 `json:"content,omitempty"`
	ToolCalls []openaiStreamToolCall `json:"tool_calls,omitempty"`
}

type openaiStreamToolCall struct {
	Index    int                       `json:"index"`
	ID       string                    `json:"id,omitempty"`
	Function *openaiStreamToolFunction `json:"function,omitempty"`
}

type openaiStreamToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}
