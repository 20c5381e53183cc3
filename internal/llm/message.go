package llm

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"termchat/internal/errx"
)

const (
	DefaultMaxContentSize = 100_000
	DefaultMaxPairs       = 25
)

// Role роль автора сообщения.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Message представляет одно сообщение в диалоге.
type Message struct {
	Role      Role      `json:"role"`      // "system", "user", "assistant"
	Content   string    `json:"content"`   // текст сообщения
	Timestamp time.Time `json:"timestamp"` // время добавления
}

// Limits ограничения на сообщения, которые принимает клиент и хранит история.
type Limits struct {
	// MaxContentSize максимальная длина сообщения в рунах.
	MaxContentSize int
	// MaxPairs максимальное число пар user/assistant.
	MaxPairs int
}

func DefaultLimits() Limits {
	return Limits{MaxContentSize: DefaultMaxContentSize, MaxPairs: DefaultMaxPairs}
}

func (l Limits) normalized() Limits {
	if l.MaxContentSize <= 0 {
		l.MaxContentSize = DefaultMaxContentSize
	}
	if l.MaxPairs <= 0 {
		l.MaxPairs = DefaultMaxPairs
	}
	return l
}

// MaxMessages самая длинная допустимая последовательность: system,
// MaxPairs полных пар и одно ожидающее ответа сообщение пользователя.
func (l Limits) MaxMessages() int {
	return 1 + 2*l.normalized().MaxPairs + 1
}

// ValidateMessage проверяет роль, пустоту и размер сообщения.
func (l Limits) ValidateMessage(m Message) error {
	l = l.normalized()
	if !m.Role.Valid() {
		return errx.Validation("role", fmt.Sprintf("unknown role %q", m.Role))
	}
	if strings.TrimSpace(m.Content) == "" {
		return errx.Validation("content", "message is empty")
	}
	if n := utf8.RuneCountInString(m.Content); n > l.MaxContentSize {
		return errx.Validation("content", fmt.Sprintf("message is %d characters, limit is %d", n, l.MaxContentSize))
	}
	return nil
}

// ValidateMessages проверяет последовательность перед отправкой.
func (l Limits) ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return errx.Validation("messages", "no messages to send")
	}
	if limit := l.MaxMessages(); len(messages) > limit {
		return errx.Validation("messages", fmt.Sprintf("%d messages exceed the limit of %d", len(messages), limit))
	}
	for i, m := range messages {
		if err := l.ValidateMessage(m); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// EstimateTokens грубая оценка: одна лексема на четыре символа.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}
