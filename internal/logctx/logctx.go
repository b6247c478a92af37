// Package logctx carries per-request and per-command attributes through a
// context and adds them to every record logged with that context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler, appending "req" and "cmd" groups from
// the record's context.
type Handler struct {
	slog.Handler
}

// New returns a logger whose records pick up context attributes.
func New(h slog.Handler) *slog.Logger {
	return slog.New(Handler{Handler: h})
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(commandDataKey{}).(*CommandData); ok {
		attrs := []any{
			slog.String("action", cd.Action),
			slog.String("correlation_id", cd.CorrelationID),
			slog.String("session_id", cd.SessionID),
		}
		if cd.DeliveryID != "" {
			attrs = append(attrs, slog.String("delivery_id", cd.DeliveryID))
		}
		r.AddAttrs(slog.Group("cmd", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type commandDataKey struct{}

// CommandData identifies the command a goroutine is working on.
type CommandData struct {
	Action        string
	CorrelationID string
	SessionID     string
	DeliveryID    string
}

func WithCommandData(ctx context.Context, data *CommandData) context.Context {
	return context.WithValue(ctx, commandDataKey{}, data)
}
