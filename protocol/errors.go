package protocol

import "errors"

// ErrorCode classifies an Error. Worker-originated codes travel inside a
// Reply; gateway-originated codes are only ever produced locally.
type ErrorCode string

const (
	// CodeAlreadyExists: create_session on an existing session id.
	CodeAlreadyExists ErrorCode = "already_exists"
	// CodeNotFound: the target session was never created.
	CodeNotFound ErrorCode = "not_found"
	// CodeNotAMember: send_message by a user outside the session.
	CodeNotAMember ErrorCode = "not_a_member"
	// CodeInvalidCommand: the command failed validation at the worker.
	CodeInvalidCommand ErrorCode = "invalid_command"
	// CodeInternal: the worker failed for a reason the caller cannot fix.
	CodeInternal ErrorCode = "internal"

	// CodeTimeout: no reply arrived before the request deadline.
	CodeTimeout ErrorCode = "timeout"
	// CodeBrokerUnavailable: publishing or consuming failed at the transport.
	CodeBrokerUnavailable ErrorCode = "broker_unavailable"
	// CodeMalformedReply: the reply for this request could not be decoded.
	CodeMalformedReply ErrorCode = "malformed_reply"
)

// Error is the structured error carried in a Reply and returned by the
// gateway. Two Errors match under errors.Is when their codes are equal, so
// callers compare against the sentinels below.
type Error struct {
	Code    ErrorCode `json:"code" jsonschema:"required,enum=already_exists,enum=not_found,enum=not_a_member,enum=invalid_command,enum=internal"`
	Message string    `json:"message,omitempty"`
}

// NewError builds an Error with a human readable message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrAlreadyExists     = &Error{Code: CodeAlreadyExists}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrNotAMember        = &Error{Code: CodeNotAMember}
	ErrInvalidCommand    = &Error{Code: CodeInvalidCommand}
	ErrInternal          = &Error{Code: CodeInternal}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrBrokerUnavailable = &Error{Code: CodeBrokerUnavailable}
	ErrMalformedReply    = &Error{Code: CodeMalformedReply}
)

// CodeOf extracts the ErrorCode from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
