// Package gatewaytest поднимает фейковый OpenAI-совместимый шлюз поверх
// httptest с TLS. Ответы задаются сценарием, входящие запросы записываются.
package gatewaytest

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Reply описывает один ответ шлюза.
type Reply struct {
	// Status по умолчанию 200.
	Status int
	// Body отдаётся как есть. Для статуса не 200 и пустого Body пишется
	// JSON-ошибка с Message.
	Body    string
	Message string
	Header  map[string]string

	// Content текст ответа для обычного запроса. Для потокового запроса без
	// Chunks он отдаётся одним фрагментом.
	Content string
	// Usage попадает в usage.total_tokens, если больше нуля.
	Usage int

	// Chunks фрагменты потокового ответа, каждый в отдельном data-событии.
	Chunks []string
	// Raw строки, которые пишутся в поток до Chunks без изменений.
	Raw []string
	// NoDone не отправлять data: [DONE] в конце.
	NoDone bool
	// AbortAfter > 0 рвёт соединение после указанного числа фрагментов.
	AbortAfter int
	// Hold, если задан, держит поток открытым после фрагментов, пока канал
	// не закроют или клиент не уйдёт.
	Hold <-chan struct{}

	// Delay задержка перед заголовками ответа.
	Delay      time.Duration
	ChunkDelay time.Duration
}

// Request записанный входящий запрос.
type Request struct {
	Header http.Header
	Body   ChatRequest
}

type ChatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream bool `json:"stream"`
}

type Gateway struct {
	server *httptest.Server
	apiKey string

	mu       sync.Mutex
	replies  []Reply
	last     Reply
	requests []Request
}

// New запускает шлюз и закрывает его в t.Cleanup. Если сценарий закончился,
// повторяется последний ответ.
func New(t testing.TB, replies ...Reply) *Gateway {
	t.Helper()
	g := &Gateway{replies: replies, last: Reply{Content: "ok"}}
	logger := slog.New(slog.DiscardHandler)
	g.server = httptest.NewTLSServer(newRouter(logger, g))
	t.Cleanup(g.server.Close)
	return g
}

// RequireKey включает проверку Authorization: Bearer <key>; без него шлюз
// отвечает 401.
func (g *Gateway) RequireKey(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apiKey = key
}

func (g *Gateway) Enqueue(replies ...Reply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, replies...)
}

func (g *Gateway) Endpoint() string {
	return g.server.URL + CompletionsPath
}

// CertPool содержит сертификат шлюза для transport.Policy.RootCAs.
func (g *Gateway) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(g.server.Certificate())
	return pool
}

func (g *Gateway) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, len(g.requests))
	copy(out, g.requests)
	return out
}

func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *Gateway) next(req Request) (Reply, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.replies) > 0 {
		g.last = g.replies[0]
		g.replies = g.replies[1:]
	}
	return g.last, g.apiKey
}

func (g *Gateway) handleCompletions(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	var body ChatRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	reply, key := g.next(Request{Header: r.Header.Clone(), Body: body})
	if key != "" && r.Header.Get("Authorization") != "Bearer "+key {
		WriteJSONError(w, http.StatusUnauthorized, "No auth credentials found")
		return
	}

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for k, v := range reply.Header {
		w.Header().Set(k, v)
	}

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	switch {
	case status != http.StatusOK && reply.Body == "":
		WriteJSONError(w, status, reply.Message)
	case reply.Body != "":
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply.Body)
	case body.Stream:
		g.stream(w, r, reply)
	default:
		resp := completion{Choices: []choice{{Message: &message{Role: "assistant", Content: reply.Content}}}}
		if reply.Usage > 0 {
			resp.Usage = &usage{TotalTokens: reply.Usage}
		}
		writeJSON(w, resp)
	}
}

func (g *Gateway) stream(w http.ResponseWriter, r *http.Request, reply Reply) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, line := range reply.Raw {
		_, _ = io.WriteString(w, line+"\n")
	}
	if len(reply.Raw) > 0 {
		flusher.Flush()
	}

	chunks := reply.Chunks
	if chunks == nil && reply.Content != "" {
		chunks = []string{reply.Content}
	}
	for i, text := range chunks {
		if reply.AbortAfter > 0 && i == reply.AbortAfter {
			panic(http.ErrAbortHandler)
		}
		writeEvent(w, completion{Choices: []choice{{Delta: &message{Content: text}}}})
		flusher.Flush()
		if reply.ChunkDelay > 0 {
			select {
			case <-time.After(reply.ChunkDelay):
			case <-r.Context().Done():
				return
			}
		}
	}
	if reply.AbortAfter > 0 && reply.AbortAfter >= len(chunks) {
		panic(http.ErrAbortHandler)
	}

	if reply.Hold != nil {
		select {
		case <-reply.Hold:
		case <-r.Context().Done():
			return
		}
	}
	if reply.Usage > 0 {
		writeEvent(w, completion{Choices: []choice{}, Usage: &usage{TotalTokens: reply.Usage}})
	}
	if !reply.NoDone {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
	flusher.Flush()
}

func writeEvent(w io.Writer, v any) {
	data, _ := json.Marshal(v)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
}
