package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/chzyer/readline"

	"termchat/internal/chat"
	"termchat/internal/errx"
	"termchat/internal/history"
	"termchat/internal/llm"
)

// lineReader источник строк ввода; в программе это readline, в тестах
// заранее заданный сценарий.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

var commandCompleter = readline.NewPrefixCompleter(
	readline.PcItem("/help"),
	readline.PcItem("/clear"),
	readline.PcItem("/save"),
	readline.PcItem("/load"),
	readline.PcItem("/list"),
	readline.PcItem("/model", modelItems()...),
	readline.PcItem("/stream"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func modelItems() []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, 0, len(llm.AvailableModels))
	for _, m := range llm.AvailableModels {
		items = append(items, readline.PcItem(m.ID))
	}
	return items
}

func newReadline(historyFile string) (*readline.Instance, error) {
	return readline.NewEx(&readline.Config{
		Prompt:          "you: ",
		HistoryFile:     historyFile,
		AutoComplete:    commandCompleter,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
}

type repl struct {
	chat     *chat.Service
	store    *history.Store
	client   llm.Client
	ui       *display
	in       lineReader
	stream   bool
	maxInput int
	logger   *slog.Logger

	// turnContext даёт контекст на один ход. Ctrl-C во время ответа
	// отменяет только этот ход.
	turnContext func(ctx context.Context) (context.Context, context.CancelFunc)
}

func (r *repl) run(ctx context.Context) error {
	r.ui.banner(r.client.Model(), r.stream)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := r.in.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("read input: %w", err)
		}

		if quit := r.handle(ctx, line); quit {
			return nil
		}
	}
}

// handle выполняет одну строку ввода и сообщает, нужно ли завершить сессию.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "exit", "quit":
		if arg == "" {
			r.ui.info("bye")
			return true
		}
	case "/help":
		r.ui.help()
		return false
	case "/clear":
		r.chat.Clear()
		r.ui.info("conversation cleared")
		return false
	case "/save":
		r.save(arg)
		return false
	case "/load":
		r.load(arg)
		return false
	case "/list":
		r.list()
		return false
	case "/model":
		r.model(arg)
		return false
	case "/stream":
		r.stream = !r.stream
		r.ui.info("streaming %s", onOff(r.stream))
		return false
	}

	if strings.HasPrefix(cmd, "/") {
		r.ui.info("unknown command %s, see /help", cmd)
		return false
	}
	r.turn(ctx, line)
	return false
}

func (r *repl) turn(ctx context.Context, text string) {
	if n := utf8.RuneCountInString(text); r.maxInput > 0 && n > r.maxInput {
		r.ui.failure(errx.Validation("message", fmt.Sprintf("%d characters, limit is %d", n, r.maxInput)))
		return
	}

	turnCtx, cancel := r.turnContext(ctx)
	defer cancel()

	var (
		reply chat.Reply
		err   error
	)
	if r.stream {
		r.ui.botPrefix()
		reply, err = r.chat.AskStream(turnCtx, text, r.ui.chunk)
		r.ui.endStream()
	} else {
		reply, err = r.chat.Ask(turnCtx, text)
		if err == nil {
			r.ui.reply(reply.Content)
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		r.ui.info("request cancelled")
	case err != nil:
		r.logger.Warn("turn failed", slog.String("kind", string(errx.KindOf(err))), slog.Any("error", err))
		r.ui.failure(err)
	default:
		r.ui.tokens(reply.TokenCount, reply.TokensEstimated)
	}
}

func (r *repl) save(name string) {
	path, err := r.store.Save(name)
	if err != nil {
		r.ui.failure(err)
		return
	}
	r.ui.info("saved to %s", path)
}

func (r *repl) load(name string) {
	if name == "" {
		r.ui.info("usage: /load <file>")
		return
	}
	n, err := r.store.Load(name)
	if err != nil {
		r.ui.failure(err)
		return
	}
	r.ui.info("loaded %d messages from %s", n, name)
}

func (r *repl) list() {
	found := 0
	for entry, err := range r.store.List() {
		if err != nil {
			r.ui.failure(err)
			return
		}
		if found == 0 {
			r.ui.info("saved conversations in %s:", r.store.Root())
		}
		r.ui.entry(entry)
		found++
	}
	if found == 0 {
		r.ui.info("no saved conversations in %s", r.store.Root())
	}
}

func (r *repl) model(id string) {
	if id == "" {
		r.ui.models(r.client.Model())
		return
	}
	if err := r.client.SetModel(id); err != nil {
		r.ui.failure(err)
		return
	}
	r.ui.info("model switched to %s", r.client.Model())
}
