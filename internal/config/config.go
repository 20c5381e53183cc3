package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"termchat/internal/errx"
	"termchat/internal/history"
	"termchat/internal/llm"
	"termchat/internal/retry"
	"termchat/internal/transport"
)

const (
	// DefaultEnvFile читается при старте, если существует.
	DefaultEnvFile = ".env"

	maxHistoryPairs = 500
	maxRetryAttempt = 10
)

// Config все настройки приложения. Значения берутся из окружения
// (и .env файла), см. Load.
type Config struct {
	APIKey  string `envconfig:"OPENROUTER_API_KEY" required:"true"`
	BaseURL string `envconfig:"OPENROUTER_BASE_URL" default:"https://openrouter.ai/api/v1/chat/completions"`
	Model   string `envconfig:"OPENROUTER_MODEL" default:"openai/gpt-4o-mini"`

	SystemPrompt     string `envconfig:"SYSTEM_PROMPT" default:"You are a helpful and friendly virtual assistant."`
	ResponseLanguage string `envconfig:"RESPONSE_LANGUAGE"`
	ResponseLength   string `envconfig:"RESPONSE_LENGTH"`
	ResponseTone     string `envconfig:"RESPONSE_TONE"`
	ResponseFormat   string `envconfig:"RESPONSE_FORMAT" default:"markdown"`

	// MaxMessageLength ограничение ввода в REPL; MaxContentSize ограничение
	// для сообщений, которые хранятся и уходят в шлюз.
	MaxMessageLength   int    `envconfig:"MAX_MESSAGE_LENGTH" default:"10000"`
	MaxContentSize     int    `envconfig:"MAX_MESSAGE_CONTENT_SIZE" default:"100000"`
	MaxHistoryPairs    int    `envconfig:"MAX_HISTORY_SIZE" default:"25"`
	HistoryDir         string `envconfig:"HISTORY_DIR" default:"history"`
	MaxHistoryFileSize int64  `envconfig:"MAX_HISTORY_FILE_SIZE" default:"10485760"`
	Stream             Switch `envconfig:"STREAM_RESPONSE" default:"true"`

	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogFile   string `envconfig:"LOG_FILE"`

	ConnectTimeout Seconds `envconfig:"HTTP_CONNECT_TIMEOUT" default:"10"`
	ReadTimeout    Seconds `envconfig:"HTTP_READ_TIMEOUT" default:"90"`
	WriteTimeout   Seconds `envconfig:"HTTP_WRITE_TIMEOUT" default:"10"`
	PoolTimeout    Seconds `envconfig:"HTTP_POOL_TIMEOUT" default:"10"`
	MaxConnections int     `envconfig:"HTTP_MAX_CONNECTIONS" default:"10"`
	TLSMinVersion  string  `envconfig:"HTTP_TLS_MIN_VERSION" default:"1.2"`

	RetryMaxAttempts    int     `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff Seconds `envconfig:"RETRY_INITIAL_BACKOFF" default:"1"`
	RetryMaxBackoff     Seconds `envconfig:"RETRY_MAX_BACKOFF" default:"30"`
	RetryMultiplier     float64 `envconfig:"RETRY_MULTIPLIER" default:"2"`
	RetryMaxRetryAfter  Seconds `envconfig:"RETRY_MAX_RETRY_AFTER" default:"120"`

	ShutdownTimeout Seconds `envconfig:"SHUTDOWN_TIMEOUT" default:"5"`
	MaxStreamBytes  int     `envconfig:"MAX_STREAM_BYTES" default:"1048576"`
}

// Load читает envFile (отсутствие файла не ошибка), затем окружение, и
// проверяет результат. Переменные окружения имеют приоритет над файлом.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errx.Configuration("", fmt.Sprintf("read %s: %v", envFile, err))
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, processError(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func processError(err error) error {
	var perr *envconfig.ParseError
	if errors.As(err, &perr) {
		return errx.Configuration(perr.KeyName, fmt.Sprintf("cannot parse %q as %s", perr.Value, perr.TypeName))
	}
	msg := err.Error()
	if strings.Contains(msg, "OPENROUTER_API_KEY") {
		return errx.Configuration("OPENROUTER_API_KEY", "API key is required; set it in .env or the environment")
	}
	return errx.Configuration("", msg)
}

// Validate проверяет диапазоны значений.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errx.Configuration("OPENROUTER_API_KEY", "API key is required; set it in .env or the environment")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return errx.Configuration("OPENROUTER_BASE_URL", "must be an https URL with a host")
	}
	if _, err := llm.ValidateModelID(c.Model); err != nil {
		return errx.Configuration("OPENROUTER_MODEL", err.Error())
	}

	if c.MaxHistoryPairs < 1 || c.MaxHistoryPairs > maxHistoryPairs {
		return errx.Configuration("MAX_HISTORY_SIZE", fmt.Sprintf("must be between 1 and %d", maxHistoryPairs))
	}
	if c.MaxContentSize < 1 || c.MaxContentSize > llm.DefaultMaxContentSize {
		return errx.Configuration("MAX_MESSAGE_CONTENT_SIZE", fmt.Sprintf("must be between 1 and %d", llm.DefaultMaxContentSize))
	}
	if c.MaxMessageLength < 1 || c.MaxMessageLength > llm.DefaultMaxContentSize {
		return errx.Configuration("MAX_MESSAGE_LENGTH", fmt.Sprintf("must be between 1 and %d", llm.DefaultMaxContentSize))
	}
	if c.MaxHistoryFileSize <= 0 {
		return errx.Configuration("MAX_HISTORY_FILE_SIZE", "must be positive")
	}
	if c.MaxStreamBytes <= 0 {
		return errx.Configuration("MAX_STREAM_BYTES", "must be positive")
	}
	if c.MaxConnections <= 0 {
		return errx.Configuration("HTTP_MAX_CONNECTIONS", "must be positive")
	}

	for key, d := range map[string]Seconds{
		"HTTP_CONNECT_TIMEOUT":  c.ConnectTimeout,
		"HTTP_READ_TIMEOUT":     c.ReadTimeout,
		"HTTP_WRITE_TIMEOUT":    c.WriteTimeout,
		"HTTP_POOL_TIMEOUT":     c.PoolTimeout,
		"RETRY_INITIAL_BACKOFF": c.RetryInitialBackoff,
		"RETRY_MAX_BACKOFF":     c.RetryMaxBackoff,
		"RETRY_MAX_RETRY_AFTER": c.RetryMaxRetryAfter,
		"SHUTDOWN_TIMEOUT":      c.ShutdownTimeout,
	} {
		if d <= 0 {
			return errx.Configuration(key, "must be positive")
		}
	}
	if _, err := transport.ParseTLSVersion(c.TLSMinVersion); err != nil {
		return errx.Configuration("HTTP_TLS_MIN_VERSION", err.Error())
	}

	if c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > maxRetryAttempt {
		return errx.Configuration("RETRY_MAX_ATTEMPTS", fmt.Sprintf("must be between 1 and %d", maxRetryAttempt))
	}
	if c.RetryMultiplier < 1 {
		return errx.Configuration("RETRY_MULTIPLIER", "must be at least 1")
	}
	if c.RetryInitialBackoff > c.RetryMaxBackoff {
		return errx.Configuration("RETRY_INITIAL_BACKOFF", "must not exceed RETRY_MAX_BACKOFF")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return errx.Configuration("LOG_LEVEL", err.Error())
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return errx.Configuration("LOG_FORMAT", "must be console or json")
	}
	return nil
}

// SystemDirective системный промпт с добавленными пожеланиями к стилю ответа.
func (c Config) SystemDirective() string {
	parts := []string{strings.TrimSpace(c.SystemPrompt)}
	if v := strings.TrimSpace(c.ResponseLanguage); v != "" {
		parts = append(parts, "Always answer in "+v+".")
	}
	if v := strings.TrimSpace(c.ResponseLength); v != "" {
		parts = append(parts, "Keep answers "+v+".")
	}
	if v := strings.TrimSpace(c.ResponseTone); v != "" {
		parts = append(parts, "Use a "+v+" tone.")
	}
	if v := strings.TrimSpace(c.ResponseFormat); v != "" {
		parts = append(parts, "Format answers as "+v+".")
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (c Config) Limits() llm.Limits {
	return llm.Limits{MaxContentSize: c.MaxContentSize, MaxPairs: c.MaxHistoryPairs}
}

func (c Config) TransportPolicy() transport.Policy {
	// Validate уже проверил версию.
	tlsVersion, _ := transport.ParseTLSVersion(c.TLSMinVersion)
	return transport.Policy{
		MinTLSVersion:   tlsVersion,
		ConnectTimeout:  c.ConnectTimeout.Duration(),
		ReadTimeout:     c.ReadTimeout.Duration(),
		WriteTimeout:    c.WriteTimeout.Duration(),
		PoolTimeout:     c.PoolTimeout.Duration(),
		MaxConnsPerHost: c.MaxConnections,
	}
}

func (c Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialBackoff = c.RetryInitialBackoff.Duration()
	p.MaxBackoff = c.RetryMaxBackoff.Duration()
	p.Multiplier = c.RetryMultiplier
	p.MaxAttempts = c.RetryMaxAttempts
	p.MaxRetryAfter = c.RetryMaxRetryAfter.Duration()
	return p
}

// LLMOptions собирает опции клиента. model, если не пуст, заменяет
// OPENROUTER_MODEL.
func (c Config) LLMOptions(model string, logger *slog.Logger) llm.Options {
	if model == "" {
		model = c.Model
	}
	return llm.Options{
		APIKey:          c.APIKey,
		Endpoint:        c.BaseURL,
		Model:           model,
		Transport:       c.TransportPolicy(),
		Retry:           c.RetryPolicy(),
		Limits:          c.Limits(),
		MaxStreamBytes:  c.MaxStreamBytes,
		ShutdownTimeout: c.ShutdownTimeout.Duration(),
		Logger:          logger,
	}
}

func (c Config) HistoryOptions(model func() string, logger *slog.Logger) history.Options {
	return history.Options{
		Root:         c.HistoryDir,
		SystemPrompt: c.SystemDirective(),
		Limits:       c.Limits(),
		MaxFileSize:  c.MaxHistoryFileSize,
		Model:        model,
		Logger:       logger,
	}
}

// ParseLogLevel разбирает LOG_LEVEL. Пустая строка означает уровень по
// умолчанию (warn).
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", level)
	}
}

// Seconds длительность, которая задаётся числом секунд ("10", "2.5") или
// строкой Go ("1m30s").
type Seconds time.Duration

func (s *Seconds) Decode(value string) error {
	value = strings.TrimSpace(value)
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		*s = Seconds(f * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value)
	}
	*s = Seconds(d)
	return nil
}

func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// Switch булев флаг, который кроме true/false понимает yes/no и on/off.
type Switch bool

func (b *Switch) Decode(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "y", "on":
		*b = true
	case "", "0", "f", "false", "no", "n", "off":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %q", value)
	}
	return nil
}
