package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/chatrelay-go/gateway"
	"github.com/ggoodman/chatrelay-go/internal/logctx"
	"github.com/ggoodman/chatrelay-go/protocol"
	"github.com/google/uuid"
)

const maxBodyBytes = 64 << 10

var jsonMediaType = contenttype.NewMediaType("application/json")

// Sessions is the subset of gateway.Client the HTTP surface needs.
type Sessions interface {
	CreateSession(ctx context.Context, userID string, opts ...gateway.CreateOption) (string, error)
	JoinSession(ctx context.Context, userID, sessionID string) (string, error)
	SendMessage(ctx context.Context, userID, sessionID, body string) (string, error)
	FetchMessages(ctx context.Context, sessionID string) ([]protocol.ChatMessage, error)
}

var _ Sessions = (*gateway.Client)(nil)

// Handler serves the chat HTTP API.
type Handler struct {
	sessions Sessions
	log      *slog.Logger
	mux      *http.ServeMux
}

// Option configures the Handler.
type Option func(*handlerConfig)

type handlerConfig struct {
	logger *slog.Logger
	extra  map[string]http.Handler
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *handlerConfig) { c.logger = l }
}

// WithRoute mounts h under pattern next to the API routes, e.g.
// WithRoute("GET /metrics", promhttp.Handler()).
func WithRoute(pattern string, h http.Handler) Option {
	return func(c *handlerConfig) {
		if c.extra == nil {
			c.extra = make(map[string]http.Handler)
		}
		c.extra[pattern] = h
	}
}

// New builds the HTTP API over s.
func New(s Sessions, opts ...Option) *Handler {
	var cfg handlerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	h := &Handler{sessions: s, log: cfg.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chats/create", h.handleCreate)
	mux.HandleFunc("POST /api/chats/join", h.handleJoin)
	mux.HandleFunc("POST /api/chats/send", h.handleSend)
	mux.HandleFunc("GET /api/chats/messages/{session_id}", h.handleMessages)
	mux.HandleFunc("GET /api/schema", h.handleSchema)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	for pattern, extra := range cfg.extra {
		mux.Handle(pattern, extra)
	}
	h.mux = mux

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

type createRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

type createResponse struct {
	IsSuccess bool   `json:"is_success"`
	SessionID string `json:"session_id"`
}

type joinRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type sendRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type messageResponse struct {
	IsSuccess bool   `json:"is_success"`
	Message   string `json:"message"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.create.start")

	var req createRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	var opts []gateway.CreateOption
	if req.SessionID != "" {
		opts = append(opts, gateway.WithSessionID(req.SessionID))
	}
	id, err := h.sessions.CreateSession(ctx, req.UserID, opts...)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, createResponse{IsSuccess: true, SessionID: id})
	h.log.InfoContext(ctx, "http.create.ok", slog.String("session_id", id), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.join.start")

	var req joinRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	msg, err := h.sessions.JoinSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{IsSuccess: true, Message: msg})
	h.log.InfoContext(ctx, "http.join.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.send.start")

	var req sendRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	msg, err := h.sessions.SendMessage(ctx, req.UserID, req.SessionID, req.Message)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{IsSuccess: true, Message: msg})
	h.log.InfoContext(ctx, "http.send.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.messages.start")

	msgs, err := h.sessions.FetchMessages(ctx, r.PathValue("session_id"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, msgs)
	h.log.InfoContext(ctx, "http.messages.ok", slog.Int("count", len(msgs)), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"command": protocol.CommandSchema(),
		"reply":   protocol.ReplySchema(),
	})
}

// decodeBody enforces a JSON request body and decodes it into v. On failure
// the response has been written and false is returned.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return false
	}
	return true
}

// writeError maps a gateway error onto a status and a body that does not leak
// transport details.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	status, msg := http.StatusInternalServerError, "internal error"

	switch code {
	case protocol.CodeInvalidCommand:
		status, msg = http.StatusBadRequest, messageOf(err)
	case protocol.CodeNotFound:
		status, msg = http.StatusNotFound, messageOf(err)
	case protocol.CodeNotAMember:
		status, msg = http.StatusForbidden, messageOf(err)
	case protocol.CodeAlreadyExists:
		status, msg = http.StatusConflict, messageOf(err)
	case protocol.CodeTimeout:
		status, msg = http.StatusGatewayTimeout, "timed out waiting for the chat service"
	case protocol.CodeMalformedReply:
		status, msg = http.StatusBadGateway, "chat service sent an unreadable reply"
	case protocol.CodeBrokerUnavailable:
		status, msg = http.StatusServiceUnavailable, "chat service unavailable"
	default:
		code = protocol.CodeInternal
		if errors.Is(err, context.Canceled) {
			// The client went away; nobody reads this response.
			h.log.InfoContext(ctx, "http.request.canceled")
			return
		}
	}

	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "http.request.fail", slog.Int("status", status), slog.String("err", err.Error()))
	} else {
		h.log.InfoContext(ctx, "http.request.rejected", slog.Int("status", status), slog.String("code", string(code)))
	}
	writeJSONError(w, status, string(code), msg)
}

func messageOf(err error) string {
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

// writeJSONError emits {"error":{"code":<code>,"message":<msg>}}.
func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
