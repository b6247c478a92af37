package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/chatrelay-go/broker"
	"github.com/ggoodman/chatrelay-go/broker/memorybroker"
	"github.com/ggoodman/chatrelay-go/chat"
	"github.com/ggoodman/chatrelay-go/gateway"
	"github.com/ggoodman/chatrelay-go/protocol"
	"github.com/ggoodman/chatrelay-go/worker"
)

func newStack(t *testing.T) *httptest.Server {
	t.Helper()
	b := memorybroker.New()
	w := worker.New(b, chat.NewStore())
	c := gateway.New(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = w.Run(ctx); done <- struct{}{} }()
	go func() { _ = c.Run(ctx); done <- struct{}{} }()

	srv := httptest.NewServer(New(c))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		<-done
	})
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestChatFlow(t *testing.T) {
	srv := newStack(t)

	status, body := post(t, srv, "/api/chats/create", `{"user_id":"alice","session_id":"S1"}`)
	if status != http.StatusOK || body["is_success"] != true || body["session_id"] != "S1" {
		t.Fatalf("create: %d %v", status, body)
	}

	status, body = post(t, srv, "/api/chats/join", `{"user_id":"bob","session_id":"S1"}`)
	if status != http.StatusOK || body["message"] != "User bob joined session S1" {
		t.Fatalf("join: %d %v", status, body)
	}

	status, body = post(t, srv, "/api/chats/send", `{"user_id":"bob","session_id":"S1","message":"hi"}`)
	if status != http.StatusOK || body["message"] != "Message sent to session S1" {
		t.Fatalf("send: %d %v", status, body)
	}

	resp, err := http.Get(srv.URL + "/api/chats/messages/S1")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	defer resp.Body.Close()
	var msgs []protocol.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if resp.StatusCode != http.StatusOK || len(msgs) != 1 || msgs[0].UserID != "bob" || msgs[0].Message != "hi" {
		t.Fatalf("messages: %d %+v", resp.StatusCode, msgs)
	}
}

func TestCreateWithoutSessionIDMintsOne(t *testing.T) {
	srv := newStack(t)

	status, body := post(t, srv, "/api/chats/create", `{"user_id":"alice"}`)
	id, _ := body["session_id"].(string)
	if status != http.StatusOK || id == "" {
		t.Fatalf("create: %d %v", status, body)
	}

	resp, err := http.Get(srv.URL + "/api/chats/messages/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var raw json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&raw)
	if resp.StatusCode != http.StatusOK || string(raw) != "[]" {
		t.Fatalf("empty log should be []: %d %s", resp.StatusCode, raw)
	}
}

func TestDomainErrorStatuses(t *testing.T) {
	srv := newStack(t)
	post(t, srv, "/api/chats/create", `{"user_id":"alice","session_id":"S1"}`)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"duplicate create", "/api/chats/create", `{"user_id":"bob","session_id":"S1"}`, http.StatusConflict, "already_exists"},
		{"join unknown", "/api/chats/join", `{"user_id":"bob","session_id":"S9"}`, http.StatusNotFound, "not_found"},
		{"outsider send", "/api/chats/send", `{"user_id":"carol","session_id":"S1","message":"x"}`, http.StatusForbidden, "not_a_member"},
		{"missing message", "/api/chats/send", `{"user_id":"alice","session_id":"S1"}`, http.StatusBadRequest, "invalid_command"},
		{"malformed json", "/api/chats/join", `{"user_id":`, http.StatusBadRequest, "invalid_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := post(t, srv, tt.path, tt.body)
			if status != tt.status || errorCode(body) != tt.code {
				t.Fatalf("got %d %v, want %d %s", status, body, tt.status, tt.code)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/api/chats/messages/S9")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session fetch: %d", resp.StatusCode)
	}
}

func TestNonJSONBodyIsRejected(t *testing.T) {
	srv := newStack(t)

	resp, err := http.Post(srv.URL+"/api/chats/create", "text/plain", strings.NewReader("user_id=alice"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

type stubSessions struct {
	err error
}

func (s stubSessions) CreateSession(context.Context, string, ...gateway.CreateOption) (string, error) {
	return "", s.err
}

func (s stubSessions) JoinSession(context.Context, string, string) (string, error) {
	return "", s.err
}

func (s stubSessions) SendMessage(context.Context, string, string, string) (string, error) {
	return "", s.err
}

func (s stubSessions) FetchMessages(context.Context, string) ([]protocol.ChatMessage, error) {
	return nil, s.err
}

func TestGatewayFailureStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"timeout", fmt.Errorf("%w: %w", protocol.NewError(protocol.CodeTimeout, "no reply within 5s"), context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{"malformed", protocol.NewError(protocol.CodeMalformedReply, "decode reply: eof"), http.StatusBadGateway, "malformed_reply"},
		{"broker", fmt.Errorf("%w: %w", protocol.NewError(protocol.CodeBrokerUnavailable, "publish join_session"), broker.ErrUnavailable), http.StatusServiceUnavailable, "broker_unavailable"},
		{"unknown", errors.New("redis: connection pool exhausted at 10.0.0.1"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/chats/join", strings.NewReader(`{"user_id":"a","session_id":"S1"}`))
			req.Header.Set("Content-Type", "application/json")
			New(stubSessions{err: tt.err}).ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d", rec.Code, tt.status)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if errorCode(body) != tt.code {
				t.Fatalf("code %q, want %q", errorCode(body), tt.code)
			}
			if strings.Contains(rec.Body.String(), "10.0.0.1") || strings.Contains(rec.Body.String(), "eof") {
				t.Fatalf("transport details leaked: %s", rec.Body.String())
			}
		})
	}
}

func TestSchemaAndHealth(t *testing.T) {
	h := New(stubSessions{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/schema", nil))
	var body struct {
		Command map[string]any `json:"command"`
		Reply   map[string]any `json:"reply"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if body.Command["title"] != "Command" || body.Reply["title"] != "Reply" {
		t.Fatalf("schema titles: %v / %v", body.Command["title"], body.Reply["title"])
	}
}

func TestExtraRoute(t *testing.T) {
	h := New(stubSessions{}, WithRoute("GET /metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Body.String() != "metrics" {
		t.Fatalf("extra route not mounted: %d %q", rec.Code, rec.Body.String())
	}
}
