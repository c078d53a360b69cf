package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/fda-chat/internal/api"
	"github.com/ashureev/fda-chat/internal/metrics"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// emptyAnswer replaces an empty final text in blocking responses.
const emptyAnswer = "I couldn't provide an answer."

// Handler serves the chat endpoints.
type Handler struct {
	orch           *Orchestrator
	allowedOrigins []string
	pingInterval   time.Duration
	maxBodySize    int64
	logger         *slog.Logger
}

// NewHandler creates a chat handler.
func NewHandler(orch *Orchestrator, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orch:           orch,
		allowedOrigins: allowedOrigins,
		pingInterval:   15 * time.Second,
		maxBodySize:    defaultMaxRequestBodySize,
		logger:         logger,
	}
}

// RegisterRoutes registers chat and session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.HandleChat)
	r.Post("/chat/stream", h.HandleStream)
	r.Get("/chat/ws", h.HandleWebSocket)
	r.Delete("/session/{id}", h.HandleDeleteSession)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return req, false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, ErrEmptyMessage.Error())
		return req, false
	}
	return req, true
}

// HandleChat handles POST /chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	h.logger.Info("Chat request received",
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"session_id", req.SessionID,
		"message_length", len(req.Message))

	res, err := h.orch.Run(r.Context(), req)
	metrics.ChatRequests.WithLabelValues("http", metrics.Status(err)).Inc()
	metrics.ChatDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrEmptyMessage) {
			api.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Error(w, http.StatusInternalServerError, ErrorMessage(err))
		return
	}

	text := res.Text
	if strings.TrimSpace(text) == "" {
		text = emptyAnswer
	}
	api.JSON(w, http.StatusOK, ChatResponse{
		Response:  text,
		SessionID: res.SessionID,
		ToolsUsed: res.ToolsUsed,
	})
}

// HandleStream handles POST /chat/stream as Server-Sent Events.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	events, done := h.pump(ctx, req)
	// The run must have released its tool connection before we return.
	defer func() {
		cancel()
		<-done
	}()

	keepalive := time.NewTicker(h.pingInterval)
	defer keepalive.Stop()

	status := "error"
	defer func() {
		metrics.ChatRequests.WithLabelValues("sse", status).Inc()
		metrics.ChatDuration.WithLabelValues("sse").Observe(time.Since(start).Seconds())
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Chat stream disconnected", "session_id", req.SessionID)
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				h.logger.Warn("failed to write SSE keepalive", "error", err)
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				h.logger.Warn("failed to marshal stream event", "event", ev.Type, "error", err)
				data = []byte(`{"message":"failed to serialize event"}`)
				ev.Type = EventError
			}
			if err := writeSSE(w, string(ev.Type), string(data)); err != nil {
				h.logger.Warn("failed to write SSE event", "event", ev.Type, "error", err)
				return
			}
			flusher.Flush()
			if ev.Type == EventDone {
				status = "ok"
			}
		}
	}
}

// pump runs the orchestrator stream on its own goroutine so the caller can
// interleave keep-alives. done closes once the run has fully unwound.
func (h *Handler) pump(ctx context.Context, req ChatRequest) (<-chan Event, <-chan struct{}) {
	events := make(chan Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(events)
		defer func() {
			// chi's Recoverer does not cover this goroutine.
			if rec := recover(); rec != nil {
				h.logger.Error("Chat stream panicked", "session_id", req.SessionID, "panic", rec)
				select {
				case events <- Event{Type: EventError, Data: ErrorData{Message: fmt.Sprintf("internal error: %v", rec)}}:
				case <-ctx.Done():
				}
			}
		}()
		for ev := range h.orch.Stream(ctx, req) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, done
}

// wsFrame is one event delivered over the WebSocket transport.
type wsFrame struct {
	Event EventType `json:"event"`
	Data  any       `json:"data"`
}

// HandleWebSocket handles GET /chat/ws. Each text frame from the client
// is a ChatRequest; its events are sent back as wsFrame messages.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(h.maxBodySize)

	ctx := r.Context()
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var req ChatRequest
		if err := json.Unmarshal(message, &req); err != nil || strings.TrimSpace(req.Message) == "" {
			msg := ErrEmptyMessage.Error()
			if err != nil {
				msg = "invalid request body"
			}
			if err := h.writeFrame(ctx, ws, wsFrame{Event: EventError, Data: ErrorData{Message: msg}}); err != nil {
				return
			}
			continue
		}

		start := time.Now()
		status := "error"
		for ev := range h.orch.Stream(ctx, req) {
			if ev.Type == EventDone {
				status = "ok"
			}
			if err := h.writeFrame(ctx, ws, wsFrame{Event: ev.Type, Data: ev.Data}); err != nil {
				h.logger.Warn("WebSocket write failed", "error", err)
				return
			}
		}
		metrics.ChatRequests.WithLabelValues("ws", status).Inc()
		metrics.ChatDuration.WithLabelValues("ws").Observe(time.Since(start).Seconds())
	}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *Handler) originPatterns() []string {
	var patterns []string
	for _, o := range h.allowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		// OriginPatterns match hosts, not full origins.
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// HandleDeleteSession handles DELETE /session/{id}.
func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.orch.DeleteSession(id) {
		api.Error(w, http.StatusNotFound, "Session not found")
		return
	}
	h.logger.Info("Session deleted", "session_id", id)
	api.JSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
