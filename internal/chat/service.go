// Package chat связывает историю диалога с LLM клиентом.
package chat

import (
	"context"
	"fmt"
	"log/slog"

	"termchat/internal/errx"
	"termchat/internal/history"
	"termchat/internal/llm"
)

// Service выполняет ходы диалога: добавляет вопрос в историю, отправляет всю
// историю модели и сохраняет ответ. При ошибке вопрос откатывается, и
// история остаётся такой же, как до хода.
type Service struct {
	client llm.Client
	store  *history.Store
	logger *slog.Logger
}

// Config конфигурация для создания Service.
type Config struct {
	Client llm.Client
	Store  *history.Store
	Logger *slog.Logger
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		client: cfg.Client,
		store:  cfg.Store,
		logger: logger,
	}
}

// Reply ответ модели на один ход.
type Reply struct {
	Content         string
	TokenCount      int
	TokensEstimated bool
}

// Ask выполняет обычный (не потоковый) ход.
func (s *Service) Ask(ctx context.Context, text string) (Reply, error) {
	if err := s.store.AppendUser(text); err != nil {
		return Reply{}, err
	}

	completion, err := s.client.Send(ctx, s.store.Messages())
	if err != nil {
		s.store.DiscardPendingUser()
		return Reply{}, err
	}

	reply := Reply{
		Content:         completion.Content,
		TokenCount:      completion.TokenCount,
		TokensEstimated: completion.TokensEstimated,
	}
	return reply, s.commit(reply.Content)
}

// AskStream выполняет потоковый ход, передавая фрагменты в onChunk по мере
// поступления. Если поток оборвался, уже выведенный текст в историю не
// попадает.
func (s *Service) AskStream(ctx context.Context, text string, onChunk func(string)) (Reply, error) {
	if err := s.store.AppendUser(text); err != nil {
		return Reply{}, err
	}

	stream, err := s.client.OpenStream(ctx, s.store.Messages())
	if err != nil {
		s.store.DiscardPendingUser()
		return Reply{}, err
	}
	defer stream.Close()

	for stream.Next() {
		if onChunk != nil {
			onChunk(stream.Text())
		}
	}

	reply := Reply{
		Content:         stream.Content(),
		TokenCount:      stream.TokenCount(),
		TokensEstimated: stream.TokensEstimated(),
	}
	if err := stream.Err(); err != nil {
		s.store.DiscardPendingUser()
		s.logger.Info("discarding interrupted turn", slog.Int("received_bytes", len(reply.Content)))
		return reply, err
	}
	if reply.Content == "" {
		s.store.DiscardPendingUser()
		return reply, errx.Service(nil, errx.KindProtocol, 0, "stream ended without content", nil)
	}
	return reply, s.commit(reply.Content)
}

func (s *Service) commit(content string) error {
	if err := s.store.AppendAssistant(content); err != nil {
		s.store.DiscardPendingUser()
		return fmt.Errorf("store reply: %w", err)
	}
	s.logger.Debug("turn stored",
		slog.Int("pairs", s.store.Pairs()),
		slog.Int("max_pairs", s.store.MaxPairs()))
	return nil
}

// Clear удаляет историю текущего диалога.
func (s *Service) Clear() {
	s.store.Clear()
}
