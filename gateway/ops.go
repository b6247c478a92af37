package gateway

import (
	"context"

	"github.com/ggoodman/chatrelay-go/protocol"
	"github.com/google/uuid"
)

// CreateOption configures CreateSession.
type CreateOption func(*createConfig)

type createConfig struct {
	sessionID string
}

// WithSessionID creates the session under id instead of a generated one.
func WithSessionID(id string) CreateOption {
	return func(c *createConfig) { c.sessionID = id }
}

// CreateSession creates a session owned by userID and returns its id.
func (c *Client) CreateSession(ctx context.Context, userID string, opts ...CreateOption) (string, error) {
	var cfg createConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sessionID == "" {
		cfg.sessionID = uuid.NewString()
	}

	if _, err := c.Do(ctx, protocol.Command{
		Action:    protocol.ActionCreateSession,
		UserID:    userID,
		SessionID: cfg.sessionID,
	}); err != nil {
		return "", err
	}
	return cfg.sessionID, nil
}

// JoinSession adds userID to the session. Joining twice is not an error; the
// returned confirmation text says which case applied.
func (c *Client) JoinSession(ctx context.Context, userID, sessionID string) (string, error) {
	reply, err := c.Do(ctx, protocol.Command{
		Action:    protocol.ActionJoinSession,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		return "", err
	}
	return reply.Message, nil
}

// SendMessage appends body to the session log on behalf of userID.
func (c *Client) SendMessage(ctx context.Context, userID, sessionID, body string) (string, error) {
	reply, err := c.Do(ctx, protocol.Command{
		Action:    protocol.ActionSendMessage,
		UserID:    userID,
		SessionID: sessionID,
		Message:   body,
	})
	if err != nil {
		return "", err
	}
	return reply.Message, nil
}

// FetchMessages returns the session log in append order. An empty log yields
// an empty, non-nil slice.
func (c *Client) FetchMessages(ctx context.Context, sessionID string) ([]protocol.ChatMessage, error) {
	reply, err := c.Do(ctx, protocol.Command{
		Action:    protocol.ActionFetchMessages,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}
	if reply.Messages == nil {
		return []protocol.ChatMessage{}, nil
	}
	return reply.Messages, nil
}
