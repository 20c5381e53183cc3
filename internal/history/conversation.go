package history

import (
	"sync"
	"time"

	"termchat/internal/errx"
	"termchat/internal/llm"
)

// Conversation потокобезопасная история диалога: необязательное системное
// сообщение и пары user/assistant. Полных пар не больше limits.MaxPairs,
// лишние вытесняются по одной, начиная с самой старой. Системное сообщение
// не вытесняется никогда.
type Conversation struct {
	mu     sync.RWMutex
	system *llm.Message
	turns  []llm.Message
	limits llm.Limits
	now    func() time.Time
}

// NewConversation создаёт историю. Пустой systemPrompt означает диалог без
// системного сообщения.
func NewConversation(systemPrompt string, limits llm.Limits, now func() time.Time) *Conversation {
	if now == nil {
		now = time.Now
	}
	if limits.MaxContentSize <= 0 {
		limits.MaxContentSize = llm.DefaultMaxContentSize
	}
	if limits.MaxPairs <= 0 {
		limits.MaxPairs = llm.DefaultMaxPairs
	}
	c := &Conversation{limits: limits, now: now}
	if systemPrompt != "" {
		c.system = &llm.Message{Role: llm.RoleSystem, Content: systemPrompt, Timestamp: now()}
	}
	return c
}

// AppendUser добавляет вопрос пользователя. Предыдущий вопрос должен уже
// иметь ответ.
func (c *Conversation) AppendUser(text string) error {
	msg := llm.Message{Role: llm.RoleUser, Content: text}
	if err := c.limits.ValidateMessage(msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingLocked() {
		return errx.Validation("role", "previous user message has no reply yet")
	}
	msg.Timestamp = c.now()
	c.turns = append(c.turns, msg)
	return nil
}

// AppendAssistant добавляет ответ на ожидающий вопрос и вытесняет старые
// пары сверх лимита.
func (c *Conversation) AppendAssistant(text string) error {
	msg := llm.Message{Role: llm.RoleAssistant, Content: text}
	if err := c.limits.ValidateMessage(msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pendingLocked() {
		return errx.Validation("role", "assistant message without a pending user message")
	}
	msg.Timestamp = c.now()
	c.turns = append(c.turns, msg)
	c.evictLocked()
	return nil
}

// Messages возвращает копию истории для отправки в модель: системное
// сообщение первым, дальше в порядке добавления.
func (c *Conversation) Messages() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]llm.Message, 0, len(c.turns)+1)
	if c.system != nil {
		out = append(out, *c.system)
	}
	return append(out, c.turns...)
}

// History возвращает копию истории без системного сообщения.
func (c *Conversation) History() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]llm.Message, len(c.turns))
	copy(out, c.turns)
	return out
}

// Clear удаляет все пары, системное сообщение остаётся.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}

// DiscardPendingUser откатывает вопрос, на который не удалось получить ответ.
func (c *Conversation) DiscardPendingUser() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pendingLocked() {
		return false
	}
	c.turns = c.turns[:len(c.turns)-1]
	return true
}

// Len число сообщений без системного.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Pairs число полных пар.
func (c *Conversation) Pairs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns) / 2
}

func (c *Conversation) MaxPairs() int {
	return c.limits.MaxPairs
}

// replace заменяет историю загруженными сообщениями и применяет лимит.
// Сообщения должны быть уже проверены.
func (c *Conversation) replace(turns []llm.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append([]llm.Message(nil), turns...)
	c.evictLocked()
	return len(c.turns)
}

func (c *Conversation) pendingLocked() bool {
	return len(c.turns)%2 == 1
}

func (c *Conversation) evictLocked() {
	for len(c.turns)/2 > c.limits.MaxPairs {
		c.turns = c.turns[2:]
	}
}

// checkTurns проверяет загруженную последовательность: только user и
// assistant, строго по очереди, начиная с user. Последний user обязан
// иметь ответ, иначе следующий AppendUser упадёт.
func checkTurns(limits llm.Limits, turns []llm.Message) error {
	for i, m := range turns {
		want := llm.RoleUser
		if i%2 == 1 {
			want = llm.RoleAssistant
		}
		if m.Role != want {
			return errx.Validation("role", "messages must alternate user and assistant")
		}
		if err := limits.ValidateMessage(m); err != nil {
			return err
		}
	}
	if len(turns)%2 == 1 {
		return errx.Validation("messages", "conversation ends with an unanswered user message")
	}
	return nil
}
