package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"termchat/internal/errx"
)

type recordSleeper struct {
	delays []time.Duration
}

func (s *recordSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func testPolicy(sleep *recordSleeper, maxAttempts int, rnd float64) Policy {
	return Policy{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		MaxAttempts:    maxAttempts,
		Sleep:          sleep.Sleep,
		Now:            time.Now,
		Rand:           func() float64 { return rnd },
	}
}

// statusOp превращает один HTTP-запрос в Outcome так же, как клиент шлюза.
func statusOp(t *testing.T, client *http.Client, url string) func(ctx context.Context, attempt int) Outcome[int] {
	t.Helper()
	return func(ctx context.Context, attempt int) Outcome[int] {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return Terminal[int](errx.KindProtocol, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return Retryable[int](errx.KindNetwork, err, 0)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter, _ := ParseRetryAfter(resp.Header, time.Now())
			return Retryable[int](errx.KindRateLimited, errors.New("rate limited"), retryAfter)
		case resp.StatusCode >= 500:
			return Retryable[int](errx.KindServerError, errors.New("server error"), 0)
		case resp.StatusCode >= 400:
			return Terminal[int](errx.KindProtocol, errors.New("client error"))
		}
		return Succeeded(resp.StatusCode)
	}
}

func TestRetry429WithJitterRange(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limit"))
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	_, retries, err := Do(context.Background(), testPolicy(sleep, 2, 0.5), nil, statusOp(t, server.Client(), server.URL))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", exhausted.Attempts)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(sleep.delays) != 1 || len(retries) != 1 {
		t.Fatalf("expected 1 sleep, got %d (%d retries)", len(sleep.delays), len(retries))
	}
	if sleep.delays[0] != 1500*time.Millisecond {
		t.Fatalf("expected backoff 1s plus half jitter, got %s", sleep.delays[0])
	}
	if retries[0].Kind != errx.KindRateLimited {
		t.Fatalf("unexpected kind %q", retries[0].Kind)
	}
}

func TestRetry429WithRetryAfterSeconds(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "2.5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	_, _, err := Do(context.Background(), testPolicy(sleep, 2, 0), nil, statusOp(t, server.Client(), server.URL))
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(sleep.delays) != 1 {
		t.Fatalf("expected 1 sleep, got %d", len(sleep.delays))
	}
	if sleep.delays[0] != 2500*time.Millisecond {
		t.Fatalf("expected retry-after 2.5s, got %s", sleep.delays[0])
	}
}

func TestRetryAfterSmallerThanBackoffIsIgnored(t *testing.T) {
	p := testPolicy(&recordSleeper{}, 3, 0)
	delay, used := p.Delay(3, 500*time.Millisecond)
	if used {
		t.Fatalf("retry-after below computed backoff must not be used")
	}
	if delay != 4*time.Second {
		t.Fatalf("expected 4s, got %s", delay)
	}
}

func TestRetryAfterHonoredBeyondMaxBackoff(t *testing.T) {
	p := testPolicy(&recordSleeper{}, 3, 0)
	delay, used := p.Delay(1, 45*time.Second)
	if !used || delay != 45*time.Second {
		t.Fatalf("expected retry-after 45s above max backoff, got %s (used=%v)", delay, used)
	}
}

func TestRetryAfterCappedAtMaxRetryAfter(t *testing.T) {
	p := testPolicy(&recordSleeper{}, 3, 0)
	delay, used := p.Delay(1, 300*time.Second)
	if !used || delay != 120*time.Second {
		t.Fatalf("expected default ceiling 120s, got %s (used=%v)", delay, used)
	}

	p.MaxRetryAfter = 60 * time.Second
	delay, _ = p.Delay(1, 300*time.Second)
	if delay != 60*time.Second {
		t.Fatalf("expected explicit ceiling 60s, got %s", delay)
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	p := testPolicy(&recordSleeper{}, 3, 0)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestJitterStaysBelowBackoff(t *testing.T) {
	p := testPolicy(&recordSleeper{}, 3, 0.999)
	delay, _ := p.Delay(2, 0)
	if delay < 2*time.Second || delay >= 4*time.Second {
		t.Fatalf("jittered delay out of [2s, 4s): %s", delay)
	}
}

func TestRetryFailuresThenSuccessLogsIncreasingBackoff(t *testing.T) {
	const failures = 2

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sleep := &recordSleeper{}

	var calls int
	value, retries, err := Do(context.Background(), testPolicy(sleep, 3, 0.9), logger, func(ctx context.Context, attempt int) Outcome[string] {
		calls++
		if attempt <= failures {
			return Retryable[string](errx.KindTimeout, errors.New("read timeout"), 0)
		}
		return Succeeded("ok")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "ok" || calls != failures+1 {
		t.Fatalf("unexpected result %q after %d calls", value, calls)
	}
	if len(retries) != failures {
		t.Fatalf("expected %d retries, got %d", failures, len(retries))
	}

	dec := json.NewDecoder(&buf)
	var logged []time.Duration
	for dec.More() {
		var line struct {
			Msg     string `json:"msg"`
			Backoff int64  `json:"backoff"`
			Kind    string `json:"kind"`
		}
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("decode log: %v", err)
		}
		if line.Msg != "retrying request" {
			continue
		}
		if line.Kind != string(errx.KindTimeout) {
			t.Fatalf("unexpected kind in log: %q", line.Kind)
		}
		logged = append(logged, time.Duration(line.Backoff))
	}
	if len(logged) != failures {
		t.Fatalf("expected %d retry log lines, got %d", failures, len(logged))
	}
	for i := 1; i < len(logged); i++ {
		if logged[i] <= logged[i-1] {
			t.Fatalf("backoff not strictly increasing: %v", logged)
		}
	}
}

func TestNoRetryOnTerminal(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	_, retries, err := Do(context.Background(), testPolicy(sleep, 3, 0.5), nil, statusOp(t, server.Client(), server.URL))
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatalf("terminal failure must not be reported as exhausted")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(sleep.delays) != 0 || len(retries) != 0 {
		t.Fatalf("expected no sleeps, got %d", len(sleep.delays))
	}
}

func TestRetry503ThenSuccess(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	status, _, err := Do(context.Background(), testPolicy(sleep, 3, 0.5), nil, statusOp(t, server.Client(), server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if calls != 3 || len(sleep.delays) != 2 {
		t.Fatalf("expected 3 calls and 2 sleeps, got %d and %d", calls, len(sleep.delays))
	}
}

func TestContextCancelStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := testPolicy(&recordSleeper{}, 3, 0.5)
	policy.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	var calls int
	_, _, err := Do(ctx, policy, nil, func(ctx context.Context, attempt int) Outcome[struct{}] {
		calls++
		return Retryable[struct{}](errx.KindServerError, errors.New("overloaded"), 0)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{value: "45", want: 45 * time.Second, ok: true},
		{value: "2.5", want: 2500 * time.Millisecond, ok: true},
		{value: now.Add(10 * time.Second).Format(http.TimeFormat), want: 10 * time.Second, ok: true},
		{value: "invalid", ok: false},
		{value: "-3", ok: false},
		{value: "", ok: false},
	}
	for _, tc := range cases {
		h := http.Header{}
		if tc.value != "" {
			h.Set("Retry-After", tc.value)
		}
		got, ok := ParseRetryAfter(h, now)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseRetryAfter(%q) = %s, %v; want %s, %v", tc.value, got, ok, tc.want, tc.ok)
		}
	}
}
