package llm

import (
	"context"
	"errors"
)

var (
	// ErrClientClosed возвращается для запросов после начала остановки клиента.
	ErrClientClosed = errors.New("llm: client is closed")
	// ErrShutdownTimeout означает, что запросы не завершились за отведённое
	// время и были прерваны.
	ErrShutdownTimeout = errors.New("llm: shutdown timed out, in-flight requests were cancelled")
)

// Completion результат одиночного запроса.
type Completion struct {
	Content         string
	TokenCount      int
	TokensEstimated bool
}

// Client минимальный публичный интерфейс LLM клиента.
type Client interface {
	Send(ctx context.Context, messages []Message) (Completion, error)
	OpenStream(ctx context.Context, messages []Message) (*Stream, error)
	Model() string
	SetModel(id string) error
	Close() error
}
