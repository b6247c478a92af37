// Package protocol defines the messages exchanged between gateways and
// session workers over the broker.
//
// A gateway publishes a Command on the work queue and waits for the Reply
// carrying the same correlation id on the reply queue. Both payloads are
// UTF-8 JSON:
//
//	work queue:  {"action":"send_message","user_id":"alice","session_id":"S1","message":"hi","correlation_id":"..."}
//	reply queue: {"session_id":"S1","correlation_id":"...","message":"Message sent to session S1"}
//	             {"session_id":"S1","correlation_id":"...","messages":[{"user_id":"alice","message":"hi","timestamp":"..."}]}
//	             {"session_id":"S9","correlation_id":"...","error":{"code":"not_found","message":"..."}}
//
// Errors are *Error values keyed by ErrorCode; use errors.Is against the
// package sentinels (ErrNotFound, ErrTimeout, ...) to classify them.
package protocol
