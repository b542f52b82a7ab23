package nodeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/nervemesh/nerve/internal/nodeauth"
)

var clientNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{
		NodeSlug:       "master-node",
		RequestTimeout: 5 * time.Second,
		Now:            func() time.Time { return clientNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testTarget(url string) Target {
	return Target{Slug: "peer", BaseURL: url, APIKey: "peer-api-key"}
}

func TestChatSendsSignedRequest(t *testing.T) {
	var gotAuth, gotTrace, gotPath string
	var gotBody ChatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTrace = r.Header.Get("X-Trace-Id")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ChatResponse{Response: "hello back"})
	}))
	defer server.Close()

	c := newTestClient(t)
	trace := NewTraceID()
	resp, err := c.Chat(context.Background(), testTarget(server.URL), ChatRequest{
		Message:   "hello",
		SessionID: "sess-1",
		Options:   ChatOptions{Collections: []string{"invoices"}},
	}, trace)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Response != "hello back" {
		t.Errorf("Response = %q, want %q", resp.Response, "hello back")
	}
	if gotPath != "/api/ai-engine/chat" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Message != "hello" || gotBody.SessionID != "sess-1" {
		t.Errorf("forwarded body = %+v", gotBody)
	}
	if gotTrace != trace {
		t.Errorf("X-Trace-Id = %q, want %q", gotTrace, trace)
	}

	const prefix = "Bearer "
	if len(gotAuth) <= len(prefix) || gotAuth[:len(prefix)] != prefix {
		t.Fatalf("Authorization = %q, want bearer", gotAuth)
	}
	claims, err := nodeauth.Verify(gotAuth[len(prefix):], []string{"peer-api-key"}, clientNow, 0)
	if err != nil {
		t.Fatalf("bearer does not verify: %v", err)
	}
	if claims.NodeSlug != "master-node" {
		t.Errorf("bearer slug = %q, want master-node", claims.NodeSlug)
	}
}

func TestNewTraceIDFormat(t *testing.T) {
	hex32 := regexp.MustCompile(`^[0-9a-f]{32}$`)
	a, b := NewTraceID(), NewTraceID()
	if !hex32.MatchString(a) {
		t.Errorf("trace id %q is not 32 hex chars", a)
	}
	if a == b {
		t.Error("trace ids are not unique")
	}
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		headers map[string]string
		check   func(t *testing.T, err error)
	}{
		{
			name:   "500_transient",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				var te *TransientError
				if !errors.As(err, &te) {
					t.Fatalf("err = %v, want TransientError", err)
				}
				if te.Status != 500 {
					t.Errorf("Status = %d, want 500", te.Status)
				}
			},
		},
		{
			name:   "404_permanent",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var pe *PermanentError
				if !errors.As(err, &pe) {
					t.Fatalf("err = %v, want PermanentError", err)
				}
			},
		},
		{
			name:    "429_rate_limited",
			status:  http.StatusTooManyRequests,
			headers: map[string]string{"Retry-After": "7"},
			check: func(t *testing.T, err error) {
				var re *RateLimitedError
				if !errors.As(err, &re) {
					t.Fatalf("err = %v, want RateLimitedError", err)
				}
				if re.RetryAfter != 7*time.Second {
					t.Errorf("RetryAfter = %s, want 7s", re.RetryAfter)
				}
			},
		},
		{
			name:   "401_auth",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				if !errors.As(err, &ae) {
					t.Fatalf("err = %v, want AuthError", err)
				}
			},
		},
		{
			name:   "403_auth",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				if !errors.As(err, &ae) {
					t.Fatalf("err = %v, want AuthError", err)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			c := newTestClient(t)
			_, err := c.Search(context.Background(), testTarget(server.URL), SearchRequest{Query: "q"}, NewTraceID())
			if err == nil {
				t.Fatal("expected error")
			}
			tc.check(t, err)
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	c := newTestClient(t)
	_, err := c.Chat(context.Background(), testTarget(server.URL), ChatRequest{Message: "m"}, NewTraceID())
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransientError", err)
	}
}

func TestChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil || !body.Stream {
			t.Errorf("stream flag missing in body %s", raw)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"Hel","done":false}`)
		fmt.Fprintln(w, `{"response":"lo","done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer server.Close()

	c := newTestClient(t)
	stream, err := c.ChatStream(context.Background(), testTarget(server.URL), ChatRequest{Message: "hi"}, NewTraceID())
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	defer stream.Close()

	var full string
	var chunks int
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		full += chunk.Response
		chunks++
		if chunk.Done {
			break
		}
	}
	if full != "Hello" {
		t.Errorf("assembled = %q, want Hello", full)
	}
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3", chunks)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv after done = %v, want io.EOF", err)
	}
}

func TestChatStreamStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t)
	_, err := c.ChatStream(context.Background(), testTarget(server.URL), ChatRequest{Message: "hi"}, NewTraceID())
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransientError", err)
	}
}

func TestChatStreamMalformedChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"ok","done":false}`)
		fmt.Fprintln(w, `not json`)
	}))
	defer server.Close()

	c := newTestClient(t)
	stream, err := c.ChatStream(context.Background(), testTarget(server.URL), ChatRequest{Message: "hi"}, NewTraceID())
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	_, err = stream.Recv()
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("second Recv = %v, want TransientError", err)
	}
}

func TestActionRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ai-engine/action" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req ActionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ActionID != "create_invoice" {
			t.Errorf("action_id = %q", req.ActionID)
		}
		json.NewEncoder(w).Encode(ActionResponse{Status: "ok", Data: json.RawMessage(`{"invoice_id":42}`)})
	}))
	defer server.Close()

	c := newTestClient(t)
	resp, err := c.Action(context.Background(), testTarget(server.URL), ActionRequest{
		ActionID: "create_invoice",
		Params:   json.RawMessage(`{"amount":100}`),
	}, NewTraceID())
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestRefreshSignsWithRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token := auth[len("Bearer "):]
		if _, err := nodeauth.Verify(token, []string{"old-refresh"}, clientNow, 0); err != nil {
			t.Errorf("bearer not signed with refresh token: %v", err)
		}
		json.NewEncoder(w).Encode(RefreshResponse{APIKey: "new-key", RefreshToken: "new-refresh"})
	}))
	defer server.Close()

	c := newTestClient(t)
	resp, err := c.Refresh(context.Background(), testTarget(server.URL), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if resp.APIKey != "new-key" || resp.RefreshToken != "new-refresh" {
		t.Errorf("rotated pair = %+v", resp)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty slug should fail")
	}
}
