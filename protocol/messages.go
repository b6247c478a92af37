package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultWorkQueue carries Commands from gateways to workers.
	DefaultWorkQueue = "chat_service_queue"
	// DefaultReplyQueue carries Replies from workers back to gateways.
	DefaultReplyQueue = "response_queue"
)

// Action names the session operation a Command asks for.
type Action string

const (
	ActionCreateSession Action = "create_session"
	ActionJoinSession   Action = "join_session"
	ActionSendMessage   Action = "send_message"
	ActionFetchMessages Action = "fetch_messages"
)

// Actions lists every action a worker understands.
var Actions = []Action{ActionCreateSession, ActionJoinSession, ActionSendMessage, ActionFetchMessages}

// Command is the work-queue payload. Which of UserID and Message are
// meaningful depends on Action.
type Command struct {
	Action        Action `json:"action" validate:"required,oneof=create_session join_session send_message fetch_messages" jsonschema:"required,enum=create_session,enum=join_session,enum=send_message,enum=fetch_messages"`
	UserID        string `json:"user_id,omitempty" validate:"required_unless=Action fetch_messages" jsonschema:"description=Acting user. Absent for fetch_messages"`
	SessionID     string `json:"session_id" validate:"required" jsonschema:"required,minLength=1"`
	Message       string `json:"message,omitempty" validate:"required_if=Action send_message" jsonschema:"description=Message body for send_message"`
	CorrelationID string `json:"correlation_id" validate:"required" jsonschema:"required,minLength=1,description=Token echoed back on the matching reply"`
	ReplyTo       string `json:"reply_to,omitempty" jsonschema:"description=Queue the reply goes to. Defaults to the worker's reply queue"`
}

// ChatMessage is one entry of a session log as carried on the wire.
type ChatMessage struct {
	UserID    string    `json:"user_id" jsonschema:"required"`
	Message   string    `json:"message" jsonschema:"required"`
	Timestamp time.Time `json:"timestamp" jsonschema:"required"`
}

// Reply is the reply-queue payload. Exactly one of Message, Messages and Error
// is set, except that a fetch of an empty log carries an empty Messages list.
type Reply struct {
	SessionID     string        `json:"session_id" jsonschema:"required"`
	CorrelationID string        `json:"correlation_id" jsonschema:"required,minLength=1"`
	Message       string        `json:"message,omitempty" jsonschema:"description=Confirmation text"`
	Messages      []ChatMessage `json:"messages,omitzero" jsonschema:"description=Session log for fetch_messages"`
	Error         *Error        `json:"error,omitempty"`
}

// Err returns the reply's error, or nil for a successful reply.
func (r *Reply) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// EncodeCommand serializes a Command for the work queue.
func EncodeCommand(cmd Command) ([]byte, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return b, nil
}

// DecodeCommand parses a work-queue payload. It does not validate; call
// Command.Validate for that.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}

// EncodeReply serializes a Reply for the reply queue.
func EncodeReply(reply Reply) ([]byte, error) {
	b, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return b, nil
}

// DecodeReply parses a reply-queue payload. Any failure, including a missing
// correlation id, matches ErrMalformedReply.
func DecodeReply(data []byte) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, NewError(CodeMalformedReply, fmt.Sprintf("decode reply: %v", err))
	}
	if reply.CorrelationID == "" {
		return Reply{}, NewError(CodeMalformedReply, "reply has no correlation_id")
	}
	if reply.Error != nil && reply.Error.Code == "" {
		return Reply{}, NewError(CodeMalformedReply, "reply error has no code")
	}
	return reply, nil
}

// CorrelationIDOf recovers the correlation id from a payload that may not
// decode as a full Reply.
func CorrelationIDOf(data []byte) (string, bool) {
	var probe struct {
		CorrelationID json.RawMessage `json:"correlation_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", false
	}
	var id string
	if err := json.Unmarshal(probe.CorrelationID, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}
