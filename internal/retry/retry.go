package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"termchat/internal/errx"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMultiplier     = 2.0
	defaultMaxAttempts    = 3
	defaultMaxRetryAfter  = 120 * time.Second
)

type Sleeper func(ctx context.Context, d time.Duration) error
type NowFunc func() time.Time
type RandFunc func() float64

// Policy экспоненциальная задержка с добавочным jitter в [0, backoff).
// MaxRetryAfter ограничивает подсказку Retry-After от сервера.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxAttempts    int
	MaxRetryAfter  time.Duration
	Sleep          Sleeper
	Now            NowFunc
	Rand           RandFunc
}

func DefaultPolicy() Policy {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return Policy{
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		Multiplier:     defaultMultiplier,
		MaxAttempts:    defaultMaxAttempts,
		MaxRetryAfter:  defaultMaxRetryAfter,
		Sleep:          defaultSleep,
		Now:            time.Now,
		Rand:           lockedRand(rng),
	}
}

// Decision итог одной попытки.
type Decision int

const (
	Success Decision = iota
	RetryableFailure
	TerminalFailure
)

func (d Decision) String() string {
	switch d {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case TerminalFailure:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome результат одной попытки. Do смотрит только на Decision, Kind и
// RetryAfter идут в задержку и в лог.
type Outcome[T any] struct {
	Value      T
	Decision   Decision
	Kind       errx.Kind
	Err        error
	RetryAfter time.Duration
}

func Succeeded[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v, Decision: Success}
}

func Retryable[T any](kind errx.Kind, err error, retryAfter time.Duration) Outcome[T] {
	return Outcome[T]{Decision: RetryableFailure, Kind: kind, Err: err, RetryAfter: retryAfter}
}

func Terminal[T any](kind errx.Kind, err error) Outcome[T] {
	return Outcome[T]{Decision: TerminalFailure, Kind: kind, Err: err}
}

// Attempt неудачная попытка, после которой был повтор.
type Attempt struct {
	Number  int
	Backoff time.Duration
	Kind    errx.Kind
}

type ExhaustedError struct {
	Cause    error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry attempts exhausted after %d: %v", e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// Do вызывает op до успеха, терминальной ошибки или исчерпания MaxAttempts.
// Возвращает также список запланированных повторов.
func Do[T any](ctx context.Context, policy Policy, logger *slog.Logger, op func(ctx context.Context, attempt int) Outcome[T]) (T, []Attempt, error) {
	policy = withDefaults(policy)

	var (
		zero    T
		retries []Attempt
	)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, retries, err
		}

		out := op(ctx, attempt)
		switch out.Decision {
		case Success:
			return out.Value, retries, nil
		case TerminalFailure:
			return zero, retries, out.Err
		}

		if attempt >= policy.MaxAttempts {
			return zero, retries, &ExhaustedError{Cause: out.Err, Attempts: attempt}
		}

		delay, usedRetryAfter := policy.Delay(attempt, out.RetryAfter)
		retries = append(retries, Attempt{Number: attempt, Backoff: delay, Kind: out.Kind})
		logRetry(logger, attempt+1, policy.MaxAttempts, out.Kind, delay, usedRetryAfter, out.Err)
		if err := policy.Sleep(ctx, delay); err != nil {
			return zero, retries, err
		}
	}
}

func withDefaults(p Policy) Policy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.MaxRetryAfter <= 0 {
		p.MaxRetryAfter = defaultMaxRetryAfter
	}
	if p.Sleep == nil {
		p.Sleep = defaultSleep
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Rand == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		p.Rand = lockedRand(rng)
	}
	return p
}

// Backoff задержка без jitter после попытки attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	p = withDefaults(p)
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	return time.Duration(delay)
}

// Delay пауза перед следующей попыткой. Retry-After побеждает, если он
// длиннее задержки с jitter; сверху он ограничен MaxRetryAfter, а не
// MaxBackoff. Второй результат true, если взята подсказка сервера.
func (p Policy) Delay(attempt int, retryAfter time.Duration) (time.Duration, bool) {
	p = withDefaults(p)
	backoff := p.Backoff(attempt)
	delay := backoff + p.jitter(backoff)
	if retryAfter > 0 {
		hint := minDuration(retryAfter, p.MaxRetryAfter)
		if hint > delay {
			return hint, true
		}
	}
	return delay, false
}

func (p Policy) jitter(backoff time.Duration) time.Duration {
	if backoff <= 0 {
		return 0
	}
	f := p.Rand()
	if f < 0 || f >= 1 {
		f = 0
	}
	return time.Duration(f * float64(backoff))
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter понимает секунды (в том числе дробные) и HTTP-дату.
func ParseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return 0, false
		}
		return time.Duration(seconds * float64(time.Second)), true
	}
	if parsed, err := http.ParseTime(value); err == nil {
		delay := parsed.Sub(now)
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

func logRetry(logger *slog.Logger, attempt int, maxAttempts int, kind errx.Kind, delay time.Duration, usedRetryAfter bool, cause error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", maxAttempts),
		slog.String("kind", string(kind)),
		slog.Duration("backoff", delay),
		slog.Bool("retry_after_used", usedRetryAfter),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	logger.Warn("retrying request", attrs...)
}

// lockedRand: одна политика на все параллельные запросы.
func lockedRand(rng *rand.Rand) RandFunc {
	var mu sync.Mutex
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= b {
		return a
	}
	return b
}
