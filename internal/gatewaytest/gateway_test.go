package gatewaytest

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"termchat/internal/middleware"
)

func tlsClient(g *Gateway) *http.Client {
	return g.server.Client()
}

func post(t *testing.T, g *Gateway, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.Endpoint(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := tlsClient(g).Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPingAndRequestID(t *testing.T) {
	g := New(t)

	resp, err := tlsClient(g).Get(g.server.URL + "/ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "pong" {
		t.Fatalf("unexpected ping response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(middleware.HeaderRequestID) == "" {
		t.Fatalf("request id header missing")
	}

	resp = post(t, g, `{"model":"a/b","messages":[]}`, map[string]string{middleware.HeaderRequestID: "req-42"})
	if got := resp.Header.Get(middleware.HeaderRequestID); got != "req-42" {
		t.Fatalf("request id not echoed: %q", got)
	}
	if got := g.Requests()[0].Header.Get(middleware.HeaderRequestID); got != "req-42" {
		t.Fatalf("recorded request id %q", got)
	}
}

func TestScriptedRepliesThenLastRepeats(t *testing.T) {
	g := New(t, Reply{Status: http.StatusServiceUnavailable, Message: "busy"}, Reply{Content: "done", Usage: 3})

	resp := post(t, g, `{"model":"a/b","messages":[]}`, nil)
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || env.Error.Code != 503 || env.Error.Message != "busy" {
		t.Fatalf("unexpected error reply %d %+v", resp.StatusCode, env)
	}

	for i := 0; i < 2; i++ {
		resp = post(t, g, `{"model":"a/b","messages":[]}`, nil)
		var c completion
		if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
			t.Fatalf("decode completion: %v", err)
		}
		if c.Choices[0].Message.Content != "done" || c.Usage.TotalTokens != 3 {
			t.Fatalf("unexpected completion %+v", c)
		}
	}
	if g.Calls() != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", g.Calls())
	}
}

func TestRequireKey(t *testing.T) {
	g := New(t)
	g.RequireKey("secret")

	resp := post(t, g, `{"model":"a/b","messages":[]}`, map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp = post(t, g, `{"model":"a/b","messages":[]}`, map[string]string{"Authorization": "Bearer secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStreamWritesEventsAndDone(t *testing.T) {
	g := New(t, Reply{Chunks: []string{"a", "b"}, Raw: []string{": keep-alive"}, Usage: 5})

	resp := post(t, g, `{"model":"a/b","messages":[],"stream":true}`, nil)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	if len(lines) != 5 || lines[0] != ": keep-alive" || lines[4] != "data: [DONE]" {
		t.Fatalf("unexpected stream lines: %q", lines)
	}
	if !strings.Contains(lines[1], `"content":"a"`) || !strings.Contains(lines[3], `"total_tokens":5`) {
		t.Fatalf("unexpected events: %q", lines)
	}
}

func TestStreamAbortBreaksConnection(t *testing.T) {
	g := New(t, Reply{Chunks: []string{"a", "b"}, AbortAfter: 1})

	resp := post(t, g, `{"model":"a/b","messages":[],"stream":true}`, nil)
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Fatalf("expected a broken stream")
	}
}
