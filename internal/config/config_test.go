package config

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termchat/internal/errx"
)

var envKeys = []string{
	"OPENROUTER_API_KEY", "OPENROUTER_BASE_URL", "OPENROUTER_MODEL",
	"SYSTEM_PROMPT", "RESPONSE_LANGUAGE", "RESPONSE_LENGTH", "RESPONSE_TONE", "RESPONSE_FORMAT",
	"MAX_MESSAGE_LENGTH", "MAX_MESSAGE_CONTENT_SIZE", "MAX_HISTORY_SIZE", "HISTORY_DIR",
	"MAX_HISTORY_FILE_SIZE", "STREAM_RESPONSE", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
	"HTTP_CONNECT_TIMEOUT", "HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT", "HTTP_POOL_TIMEOUT",
	"HTTP_MAX_CONNECTIONS", "HTTP_TLS_MIN_VERSION", "RETRY_MAX_ATTEMPTS", "RETRY_INITIAL_BACKOFF",
	"RETRY_MAX_BACKOFF", "RETRY_MULTIPLIER", "RETRY_MAX_RETRY_AFTER", "SHUTDOWN_TIMEOUT", "MAX_STREAM_BYTES",
}

// cleanEnv убирает все ключи конфигурации; t.Setenv вернёт прежние значения
// после теста.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "or-key-1234567890")

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", cfg.BaseURL)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.Model)
	assert.Equal(t, 25, cfg.MaxHistoryPairs)
	assert.Equal(t, 100000, cfg.MaxContentSize)
	assert.Equal(t, "history", cfg.HistoryDir)
	assert.True(t, bool(cfg.Stream))
	assert.Equal(t, "console", cfg.LogFormat)

	tp := cfg.TransportPolicy()
	assert.Equal(t, uint16(tls.VersionTLS12), tp.MinTLSVersion)
	assert.Equal(t, 10*time.Second, tp.ConnectTimeout)
	assert.Equal(t, 90*time.Second, tp.ReadTimeout)
	assert.Equal(t, 10, tp.MaxConnsPerHost)

	rp := cfg.RetryPolicy()
	assert.Equal(t, time.Second, rp.InitialBackoff)
	assert.Equal(t, 30*time.Second, rp.MaxBackoff)
	assert.Equal(t, 120*time.Second, rp.MaxRetryAfter)
	assert.Equal(t, 3, rp.MaxAttempts)
	assert.NotNil(t, rp.Sleep)

	opts := cfg.LLMOptions("", nil)
	assert.Equal(t, "openai/gpt-4o-mini", opts.Model)
	assert.Equal(t, 5*time.Second, opts.ShutdownTimeout)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", cfg.LLMOptions("anthropic/claude-3.5-sonnet", nil).Model)
}

func TestLoadReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	cleanEnv(t)
	t.Setenv("OPENROUTER_MODEL", "google/gemini-pro")
	require.NoError(t, os.Unsetenv("OPENROUTER_MODEL"))
	t.Setenv("MAX_HISTORY_SIZE", "7")

	envFile := filepath.Join(t.TempDir(), "test.env")
	content := "OPENROUTER_API_KEY=or-file-key-123456\nOPENROUTER_MODEL=google/gemini-pro\nMAX_HISTORY_SIZE=3\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "or-file-key-123456", cfg.APIKey)
	assert.Equal(t, "google/gemini-pro", cfg.Model)
	assert.Equal(t, 7, cfg.MaxHistoryPairs, "environment wins over the file")
}

func TestLoadMissingKey(t *testing.T) {
	cleanEnv(t)

	_, err := Load(missingEnvFile(t))
	require.Error(t, err)
	var cfgErr *errx.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "OPENROUTER_API_KEY", cfgErr.Key)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"OPENROUTER_API_KEY", "   "},
		{"OPENROUTER_BASE_URL", "http://openrouter.ai/api"},
		{"OPENROUTER_BASE_URL", "https:///path"},
		{"OPENROUTER_MODEL", "no-slash"},
		{"MAX_HISTORY_SIZE", "0"},
		{"MAX_HISTORY_SIZE", "501"},
		{"MAX_HISTORY_SIZE", "many"},
		{"MAX_MESSAGE_CONTENT_SIZE", "100001"},
		{"MAX_MESSAGE_LENGTH", "0"},
		{"HTTP_READ_TIMEOUT", "0"},
		{"HTTP_CONNECT_TIMEOUT", "-1"},
		{"HTTP_POOL_TIMEOUT", "soon"},
		{"HTTP_TLS_MIN_VERSION", "1.1"},
		{"HTTP_MAX_CONNECTIONS", "0"},
		{"RETRY_MAX_ATTEMPTS", "0"},
		{"RETRY_MAX_ATTEMPTS", "11"},
		{"RETRY_MULTIPLIER", "0.5"},
		{"RETRY_INITIAL_BACKOFF", "60"},
		{"RETRY_MAX_RETRY_AFTER", "0"},
		{"LOG_FORMAT", "xml"},
		{"LOG_LEVEL", "verbose"},
		{"STREAM_RESPONSE", "maybe"},
		{"MAX_STREAM_BYTES", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv("OPENROUTER_API_KEY", "or-key-1234567890")
			t.Setenv(tc.key, tc.value)

			_, err := Load(missingEnvFile(t))
			require.Error(t, err)
			assert.Equal(t, errx.KindConfiguration, errx.KindOf(err))

			var cfgErr *errx.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.key, cfgErr.Key)
		})
	}
}

func TestSecondsDecode(t *testing.T) {
	cases := map[string]time.Duration{
		"10":     10 * time.Second,
		"2.5":    2500 * time.Millisecond,
		" 1m30s": 90 * time.Second,
		"250ms":  250 * time.Millisecond,
	}
	for in, want := range cases {
		var s Seconds
		require.NoError(t, s.Decode(in), in)
		assert.Equal(t, want, s.Duration(), in)
	}

	var s Seconds
	assert.Error(t, s.Decode("later"))
}

func TestSwitchDecode(t *testing.T) {
	for _, v := range []string{"true", "1", "YES", "on"} {
		var b Switch
		require.NoError(t, b.Decode(v))
		assert.True(t, bool(b), v)
	}
	for _, v := range []string{"false", "0", "no", "off"} {
		b := Switch(true)
		require.NoError(t, b.Decode(v))
		assert.False(t, bool(b), v)
	}
}

func TestSystemDirective(t *testing.T) {
	cfg := Config{SystemPrompt: "You are helpful."}
	assert.Equal(t, "You are helpful.", cfg.SystemDirective())

	cfg.ResponseLanguage = "Portuguese"
	cfg.ResponseLength = "short"
	cfg.ResponseTone = "friendly"
	cfg.ResponseFormat = "markdown"
	assert.Equal(t,
		"You are helpful. Always answer in Portuguese. Keep answers short. Use a friendly tone. Format answers as markdown.",
		cfg.SystemDirective())
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("")
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl.String())

	lvl, err = ParseLogLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", lvl.String())

	lvl, err = ParseLogLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl.String())

	_, err = ParseLogLevel("loud")
	assert.Error(t, err)
}
