// Package httpapi exposes the chat gateway over HTTP.
//
//	POST /api/chats/create             {"user_id"}                        -> {"is_success":true,"session_id"}
//	POST /api/chats/join               {"user_id","session_id"}           -> {"is_success":true,"message"}
//	POST /api/chats/send               {"user_id","session_id","message"} -> {"is_success":true,"message"}
//	GET  /api/chats/messages/{session} -> [{"user_id","message","timestamp"}]
//	GET  /api/schema                   -> {"command":<schema>,"reply":<schema>}
//	GET  /healthz                      -> {"status":"ok"}
//
// Failures are rendered as {"error":{"code","message"}} with a status chosen
// by error kind.
package httpapi
