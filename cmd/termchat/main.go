package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"termchat/internal/chat"
	"termchat/internal/config"
	"termchat/internal/errx"
	"termchat/internal/history"
	"termchat/internal/llm"
	"termchat/internal/redact"
)

type flags struct {
	envFile  string
	model    string
	noStream bool
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		msg := err.Error()
		if kind := errx.KindOf(err); kind != "" {
			msg = fmt.Sprintf("[%s] %s", kind, msg)
		}
		fmt.Fprintln(os.Stderr, errorStyle.Render(msg))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "termchat",
		Short: "Terminal chat with language models through OpenRouter",
		Long: `termchat keeps a bounded conversation with a model behind an
OpenAI-compatible gateway. Conversations can be saved to and loaded from the
history directory. Settings come from the environment or a .env file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.envFile, "env-file", config.DefaultEnvFile, "file with environment settings")
	cmd.Flags().StringVar(&f.model, "model", "", "model id, overrides OPENROUTER_MODEL")
	cmd.Flags().BoolVar(&f.noStream, "no-stream", false, "print whole replies instead of streaming")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error; overrides LOG_LEVEL")
	return cmd
}

func run(parent context.Context, f flags) error {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM)
	defer stop()

	client, err := llm.NewOpenRouterClient(cfg.LLMOptions(f.model, logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("client shutdown", slog.Any("error", err))
		}
	}()

	store, err := history.NewStore(cfg.HistoryOptions(client.Model, logger))
	if err != nil {
		return err
	}

	rl, err := newReadline(inputHistoryFile())
	if err != nil {
		return fmt.Errorf("init terminal: %w", err)
	}
	defer rl.Close()

	r := &repl{
		chat:     chat.NewService(chat.Config{Client: client, Store: store, Logger: logger}),
		store:    store,
		client:   client,
		ui:       newDisplay(rl.Stdout(), true),
		in:       rl,
		stream:   bool(cfg.Stream) && !f.noStream,
		maxInput: cfg.MaxMessageLength,
		logger:   logger,
		turnContext: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		},
	}
	logger.Info("session started",
		slog.String("model", client.Model()),
		slog.String("history_dir", store.Root()),
		slog.String("api_key", redact.Mask(cfg.APIKey)))
	return r.run(ctx)
}

// newLogger собирает логгер по LOG_LEVEL, LOG_FORMAT и LOG_FILE. Без
// LOG_LEVEL и LOG_FILE логи не пишутся. Любой обработчик оборачивается
// redact.NewHandler.
func newLogger(cfg config.Config) (*slog.Logger, func(), error) {
	noop := func() {}
	if cfg.LogLevel == "" && cfg.LogFile == "" {
		return slog.New(slog.DiscardHandler), noop, nil
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, noop, errx.Configuration("LOG_LEVEL", err.Error())
	}

	var out io.Writer = os.Stderr
	closeFn := noop
	if cfg.LogFile != "" {
		if dir := filepath.Dir(cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, noop, errx.Configuration("LOG_FILE", err.Error())
			}
		}
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, noop, errx.Configuration("LOG_FILE", err.Error())
		}
		out = file
		closeFn = func() { _ = file.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(redact.NewHandler(handler, redact.New(cfg.APIKey))), closeFn, nil
}

func inputHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".termchat_history")
}
