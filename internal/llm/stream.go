package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"termchat/internal/errx"
	"termchat/internal/redact"
)

type streamConfig struct {
	parent   context.Context
	reqCtx   context.Context
	body     io.Reader
	maxBytes int
	redactor *redact.Redactor
	logger   *slog.Logger
	cleanup  func()
}

// Stream итератор по фрагментам потокового ответа. Next, Text, Err, Content
// и TokenCount вызываются из одной горутины; Close можно вызывать из любой и
// сколько угодно раз. Ресурсы освобождаются ровно один раз: по завершении
// потока, при ошибке, при Close или при отмене контекста запроса.
type Stream struct {
	parent   context.Context
	dec      *sseDecoder
	maxBytes int
	redactor *redact.Redactor
	logger   *slog.Logger

	text     string
	content  strings.Builder
	tokens   int
	reported bool
	err      error
	done     bool

	cleanup   func()
	closeOnce sync.Once
	closed    atomic.Bool
	aborted   atomic.Bool
	stopWatch func() bool
}

func newStream(cfg streamConfig) *Stream {
	s := &Stream{
		parent:   cfg.parent,
		dec:      newSSEDecoder(cfg.body),
		maxBytes: cfg.maxBytes,
		redactor: cfg.redactor,
		logger:   cfg.logger,
		cleanup:  cfg.cleanup,
	}
	s.stopWatch = context.AfterFunc(cfg.reqCtx, func() {
		s.aborted.Store(true)
		s.release()
	})
	return s
}

// Next переходит к следующему непустому фрагменту текста.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if s.closed.Load() {
		s.finish(s.interruption())
		return false
	}
	for {
		data, err := s.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
			} else {
				s.finish(s.readError(err))
			}
			return false
		}

		text, stop, err := s.handle(data)
		if err != nil {
			s.finish(err)
			return false
		}
		if stop {
			s.finish(nil)
			return false
		}
		if text == "" {
			continue
		}
		s.text = text
		return true
	}
}

// Text текущий фрагмент.
func (s *Stream) Text() string { return s.text }

// Err ошибка, завершившая поток, или nil.
func (s *Stream) Err() error { return s.err }

// Content весь текст, полученный к этому моменту.
func (s *Stream) Content() string { return s.content.String() }

// TokenCount число токенов из usage, если шлюз его прислал, иначе оценка.
func (s *Stream) TokenCount() int {
	if s.reported {
		return s.tokens
	}
	return EstimateTokens(s.content.String())
}

func (s *Stream) TokensEstimated() bool { return !s.reported }

// Close освобождает соединение. Повторные вызовы ничего не делают.
func (s *Stream) Close() error {
	s.release()
	return nil
}

func (s *Stream) release() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.stopWatch != nil {
			s.stopWatch()
		}
		s.cleanup()
	})
}

func (s *Stream) finish(err error) {
	s.done = true
	s.text = ""
	s.err = err
	s.release()
	if err != nil {
		s.logger.Warn("stream ended with error", slog.String("kind", string(errx.KindOf(err))), slog.Any("error", err))
	}
}

func (s *Stream) handle(data string) (string, bool, error) {
	if data == doneSentinel {
		return "", true, nil
	}

	var chunk chatResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false, errx.Service(s.redactor, errx.KindProtocol, 0, "stream event is not valid JSON", err)
	}
	if chunk.Error != nil {
		return "", false, errx.Service(s.redactor, errx.KindServerError, 0, chunk.Error.Message, nil)
	}
	if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
		s.tokens = chunk.Usage.TotalTokens
		s.reported = true
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}

	text := chunk.Choices[0].Delta.Content
	if text == "" {
		return "", false, nil
	}
	if s.content.Len()+len(text) > s.maxBytes {
		return "", false, errx.Service(s.redactor, errx.KindProtocol, 0,
			fmt.Sprintf("stream exceeded %d bytes", s.maxBytes), nil)
	}
	s.content.WriteString(text)
	return text, false, nil
}

// readError классифицирует сбой чтения после начала потока. Такие ошибки
// не повторяются.
func (s *Stream) readError(err error) error {
	if s.closed.Load() || s.parent.Err() != nil {
		return s.interruption()
	}
	if errors.Is(err, bufio.ErrTooLong) {
		return errx.Service(s.redactor, errx.KindProtocol, 0, "stream event line is too long", err)
	}
	return errx.Service(s.redactor, errx.KindNetwork, 0, "stream interrupted: "+err.Error(), err)
}

// interruption объясняет, почему поток закрыли снаружи. Истёкший дедлайн
// вызывающего становится ошибкой timeout, отмена остаётся context.Canceled.
func (s *Stream) interruption() error {
	if err := s.parent.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errx.Service(s.redactor, errx.KindTimeout, 0, "stream deadline exceeded", err)
		}
		return err
	}
	if s.aborted.Load() {
		return ErrClientClosed
	}
	return nil
}
