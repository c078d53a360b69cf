package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/fda-chat/internal/domain"
	"github.com/ashureev/fda-chat/internal/metrics"
	"github.com/ashureev/fda-chat/internal/provider"
	"github.com/ashureev/fda-chat/internal/store"
	"github.com/ashureev/fda-chat/internal/toolhost"
)

// ErrEmptyMessage is returned for a request without message text.
var ErrEmptyMessage = errors.New("message is required")

// errStopped aborts a run whose stream consumer went away.
var errStopped = errors.New("stream consumer stopped")

// ToolHost is the part of the connection manager the orchestrator needs.
type ToolHost interface {
	Catalog() *toolhost.Catalog
	Acquire(ctx context.Context) (toolhost.Conn, func(), error)
}

// Orchestrator runs user requests through the provider/tool loop.
type Orchestrator struct {
	cfg      Config
	provider provider.Provider
	tools    ToolHost
	sessions store.SessionStore
	recorder store.ExecutionRecorder
	locks    *sessionLocks
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator. A nil recorder disables the
// execution log; a nil logger uses slog.Default().
func NewOrchestrator(cfg Config, p provider.Provider, tools ToolHost, sessions store.SessionStore, recorder store.ExecutionRecorder, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.Shape == "" {
		cfg.Shape = def.Shape
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.OutputLogLimit <= 0 {
		cfg.OutputLogLimit = def.OutputLogLimit
	}
	if recorder == nil {
		recorder = store.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		provider: p,
		tools:    tools,
		sessions: sessions,
		recorder: recorder,
		locks:    newSessionLocks(),
		logger:   logger,
	}
}

// Run processes one request to completion.
func (o *Orchestrator) Run(ctx context.Context, req ChatRequest) (*Result, error) {
	return o.run(ctx, req, false, func(Event) bool { return true })
}

// DeleteSession removes a session. It reports whether it existed.
func (o *Orchestrator) DeleteSession(id string) bool {
	ok := o.sessions.Delete(id)
	metrics.ActiveSessions.Set(float64(o.sessions.Len()))
	return ok
}

// runState is the per-request working set.
type runState struct {
	sessionID string
	working   domain.History
	executed  []domain.ToolExecution

	conn    toolhost.Conn
	release func()
}

func (o *Orchestrator) run(ctx context.Context, req ChatRequest, streaming bool, emit func(Event) bool) (res *Result, err error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	start := time.Now()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if o.cfg.SerializeSessions {
		unlock := o.locks.Lock(sessionID)
		defer unlock()
	}

	history := o.sessions.GetOrCreate(sessionID)
	metrics.ActiveSessions.Set(float64(o.sessions.Len()))

	st := &runState{
		sessionID: sessionID,
		working:   append(history, domain.UserTurn(req.Message)),
	}
	defer func() {
		if st.release != nil {
			st.release()
		}
	}()

	logger := o.logger.With("session_id", sessionID)
	logger.Info("Chat request", "message_length", len(req.Message), "streaming", streaming, "shape", string(o.cfg.Shape))

	res = &Result{SessionID: sessionID}
	switch o.cfg.Shape {
	case ShapeSummarize:
		err = o.runSummarize(ctx, st, res, streaming, emit)
	default:
		err = o.runIterative(ctx, st, res, streaming, emit, logger)
	}
	res.ToolsUsed = st.executed

	o.record(ctx, req, res, streaming, start, err)
	metrics.Rounds.Observe(float64(res.Rounds))

	if err != nil {
		if !errors.Is(err, errStopped) {
			logger.Error("Chat request failed", "error", err, "rounds", res.Rounds)
		}
		return nil, err
	}

	// Only a completed run replaces the stored history.
	o.sessions.Replace(sessionID, st.working)
	logger.Info("Chat request completed",
		"rounds", res.Rounds,
		"tools", len(res.ToolsUsed),
		"truncated", res.Truncated,
		"duration", time.Since(start))
	return res, nil
}

func (o *Orchestrator) runIterative(ctx context.Context, st *runState, res *Result, streaming bool, emit func(Event) bool, logger *slog.Logger) error {
	decls := o.tools.Catalog().Tools()
	for round := 1; round <= o.cfg.MaxTurns; round++ {
		resp, err := o.call(ctx, st.working, decls, false, streaming, emit)
		if err != nil {
			return err
		}
		res.Rounds = round
		res.Text = resp.Text

		if !resp.HasToolCalls() {
			st.working = append(st.working, domain.AssistantTurn(resp.Text, nil))
			return nil
		}

		st.working = append(st.working, domain.AssistantTurn(resp.Text, resp.Calls))
		if err := o.executeCalls(ctx, st, resp.Calls, emit); err != nil {
			return err
		}
	}

	res.Truncated = true
	logger.Warn("Round ceiling reached with tool calls pending", "max_turns", o.cfg.MaxTurns)
	return nil
}

func (o *Orchestrator) runSummarize(ctx context.Context, st *runState, res *Result, streaming bool, emit func(Event) bool) error {
	decls := o.tools.Catalog().Tools()
	resp, err := o.call(ctx, st.working, decls, false, streaming, emit)
	if err != nil {
		return err
	}
	res.Rounds = 1
	res.Text = resp.Text

	if !resp.HasToolCalls() {
		st.working = append(st.working, domain.AssistantTurn(resp.Text, nil))
		return nil
	}

	st.working = append(st.working, domain.AssistantTurn(resp.Text, resp.Calls))
	if err := o.executeCalls(ctx, st, resp.Calls, emit); err != nil {
		return err
	}

	summary, err := o.call(ctx, st.working, decls, true, streaming, emit)
	if err != nil {
		return err
	}
	res.Rounds = 2
	res.Text = summary.Text
	// Calls requested despite suppression are dropped so none stays unanswered.
	st.working = append(st.working, domain.AssistantTurn(summary.Text, nil))
	return nil
}

// call performs one provider round, streaming text deltas when requested.
func (o *Orchestrator) call(ctx context.Context, history domain.History, decls []domain.ToolDeclaration, suppress, streaming bool, emit func(Event) bool) (*provider.Response, error) {
	req := provider.Request{History: history, Tools: decls, SuppressTools: suppress}

	if !streaming {
		resp, err := o.provider.Complete(ctx, req)
		metrics.ProviderCalls.WithLabelValues("complete", metrics.Status(err)).Inc()
		if err != nil {
			return nil, err
		}
		countTokens(resp)
		return resp, nil
	}

	var final *provider.Response
	for ev, err := range o.provider.Stream(ctx, req) {
		if err != nil {
			metrics.ProviderCalls.WithLabelValues("stream", "error").Inc()
			return nil, err
		}
		switch ev.Type {
		case provider.EventTextDelta:
			if !emit(Event{Type: EventTextDelta, Data: TextDeltaData{Text: ev.Text}}) {
				return nil, errStopped
			}
		case provider.EventDone:
			final = ev.Response
		}
	}
	if final == nil {
		metrics.ProviderCalls.WithLabelValues("stream", "error").Inc()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("provider stream ended without a response")
	}
	metrics.ProviderCalls.WithLabelValues("stream", "ok").Inc()
	countTokens(final)
	return final, nil
}

func countTokens(resp *provider.Response) {
	if resp == nil {
		return
	}
	metrics.ProviderTokens.WithLabelValues("input").Add(float64(resp.Usage.InputTokens))
	metrics.ProviderTokens.WithLabelValues("output").Add(float64(resp.Usage.OutputTokens))
}

// executeCalls runs every call in order, appending exactly one tool-result
// turn per call. Tool failures become error results; only cancellation or
// a departed stream consumer aborts.
func (o *Orchestrator) executeCalls(ctx context.Context, st *runState, calls []domain.ToolCall, emit func(Event) bool) error {
	for _, call := range calls {
		args, argErr := parseArguments(call.Arguments)
		shownArgs := args
		if shownArgs == nil {
			shownArgs = map[string]any{}
		}
		if !emit(Event{Type: EventToolStart, Data: ToolStartData{ToolName: call.Name, ToolArgs: shownArgs}}) {
			return errStopped
		}

		start := time.Now()
		var content domain.ResultContent
		if argErr != nil {
			content = domain.ErrorResult{Message: argErr.Error()}
		} else {
			content = o.invoke(ctx, st, call.Name, args)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		elapsed := time.Since(start)

		st.working = append(st.working, domain.ToolResultTurn(call, content))

		exec := domain.ToolExecution{
			Name:      call.Name,
			Arguments: shownArgs,
			Output:    domain.Truncate(content.ModelText(), o.cfg.OutputLogLimit),
			Success:   !domain.IsError(content),
			Duration:  elapsed,
		}
		if e, ok := content.(domain.ErrorResult); ok {
			exec.Error = e.Message
		}
		st.executed = append(st.executed, exec)

		metrics.ToolCalls.WithLabelValues(call.Name, metrics.Status(errorOf(exec))).Inc()
		metrics.ToolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
		o.logger.Info("Tool executed",
			"session_id", st.sessionID,
			"tool", call.Name,
			"success", exec.Success,
			"duration", elapsed,
			"output", exec.Output)

		if !emit(Event{Type: EventToolEnd, Data: ToolEndData{ToolName: call.Name, Success: exec.Success, Error: exec.Error}}) {
			return errStopped
		}
	}
	return nil
}

func errorOf(exec domain.ToolExecution) error {
	if exec.Success {
		return nil
	}
	return errors.New(exec.Error)
}

// invoke runs one tool, acquiring the connection on first use.
func (o *Orchestrator) invoke(ctx context.Context, st *runState, name string, args map[string]any) domain.ResultContent {
	if _, ok := o.tools.Catalog().Lookup(name); !ok {
		return domain.ErrorResult{Message: fmt.Sprintf("unknown tool %q", name)}
	}

	if st.conn == nil {
		conn, release, err := o.tools.Acquire(ctx)
		if err != nil {
			return domain.ErrorResult{Message: fmt.Sprintf("tool host unavailable: %v", err)}
		}
		st.conn, st.release = conn, release
	}

	out, err := st.conn.Invoke(ctx, name, args)
	if err != nil {
		return domain.ErrorResult{Message: err.Error()}
	}
	if out.IsError {
		msg := out.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return domain.ErrorResult{Message: msg}
	}
	text := out.Text()
	if text == "" && out.Structured != nil {
		return domain.ObjectResult{Object: out.Structured}
	}
	return domain.TextResult{Text: text}
}

// parseArguments requires a JSON object. Empty payloads are rejected.
func parseArguments(raw json.RawMessage) (map[string]any, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("invalid tool arguments: empty payload")
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		return nil, errors.New("invalid tool arguments: not a JSON object")
	}
	return args, nil
}

// record writes the exchange to the execution log. Failures are logged
// and never affect the request.
func (o *Orchestrator) record(ctx context.Context, req ChatRequest, res *Result, streaming bool, start time.Time, runErr error) {
	ex := store.Exchange{
		SessionID: res.SessionID,
		Message:   req.Message,
		Response:  res.Text,
		Tools:     res.ToolsUsed,
		Streamed:  streaming,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if runErr != nil {
		ex.Response = ""
		ex.Err = runErr.Error()
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.recorder.RecordExchange(recCtx, ex); err != nil {
		o.logger.Warn("failed to record exchange", "session_id", res.SessionID, "error", err)
	}
}

// ErrorMessage returns the message surfaced to clients for a failed
// request: the provider's own message when available.
func ErrorMessage(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}
