package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"termchat/internal/errx"
	"termchat/internal/redact"
	"termchat/internal/retry"
	"termchat/internal/transport"
)

const (
	DefaultEndpoint        = "https://openrouter.ai/api/v1/chat/completions"
	DefaultModel           = "openai/gpt-4o-mini"
	DefaultMaxStreamBytes  = 1 << 20
	DefaultShutdownTimeout = 5 * time.Second

	maxResponseBytes = 16 << 20
	maxErrorBody     = 4 << 10
	appTitle         = "termchat"
)

// Options параметры OpenRouterClient. Нулевые значения заменяются умолчаниями.
type Options struct {
	APIKey          string
	Endpoint        string
	Model           string
	Transport       transport.Policy
	Retry           retry.Policy
	Limits          Limits
	MaxStreamBytes  int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// HTTPClient заменяет клиент, собранный из Transport.
	HTTPClient *http.Client
}

// OpenRouterClient клиент OpenAI-совместимого шлюза. Безопасен для
// одновременного использования из нескольких горутин.
type OpenRouterClient struct {
	apiKey          string
	endpoint        string
	httpClient      *http.Client
	pool            *transport.Pool
	retry           retry.Policy
	limits          Limits
	maxStreamBytes  int
	shutdownTimeout time.Duration
	redactor        *redact.Redactor
	logger          *slog.Logger

	// mu защищает model и closed. Во время I/O не удерживается.
	mu     sync.RWMutex
	model  string
	closed bool

	inflight sync.WaitGroup
	active   atomic.Int64

	lifetime context.Context
	abort    context.CancelFunc
}

var _ Client = (*OpenRouterClient)(nil)

func NewOpenRouterClient(opts Options) (*OpenRouterClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errx.Configuration("OPENROUTER_API_KEY", "API key is required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if err := validateEndpoint(opts.Endpoint); err != nil {
		return nil, err
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	model, err := ValidateModelID(opts.Model)
	if err != nil {
		return nil, err
	}
	if opts.MaxStreamBytes <= 0 {
		opts.MaxStreamBytes = DefaultMaxStreamBytes
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(opts.Transport)
	}
	tp := opts.Transport
	if tp.MaxConnsPerHost <= 0 {
		tp.MaxConnsPerHost = transport.DefaultPolicy().MaxConnsPerHost
	}

	lifetime, abort := context.WithCancel(context.Background())
	return &OpenRouterClient{
		apiKey:          opts.APIKey,
		endpoint:        opts.Endpoint,
		httpClient:      httpClient,
		pool:            transport.NewPool(tp.MaxConnsPerHost, tp.PoolTimeout),
		retry:           opts.Retry,
		limits:          opts.Limits.normalized(),
		maxStreamBytes:  opts.MaxStreamBytes,
		shutdownTimeout: opts.ShutdownTimeout,
		redactor:        redact.New(opts.APIKey),
		logger:          logger,
		model:           model,
		lifetime:        lifetime,
		abort:           abort,
	}, nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errx.Configuration("OPENROUTER_BASE_URL", "not a valid URL")
	}
	if u.Scheme != "https" {
		return errx.Configuration("OPENROUTER_BASE_URL", "endpoint must use https")
	}
	if u.Host == "" {
		return errx.Configuration("OPENROUTER_BASE_URL", "endpoint has no host")
	}
	return nil
}

func (c *OpenRouterClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// SetModel переключает модель для последующих запросов.
func (c *OpenRouterClient) SetModel(id string) error {
	model, err := ValidateModelID(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	c.logger.Info("model switched", slog.String("model", model))
	return nil
}

// InFlight число незавершённых запросов, включая открытые стримы.
func (c *OpenRouterClient) InFlight() int {
	return int(c.active.Load())
}

// begin регистрирует запрос. Возвращённый end снимает регистрацию ровно один
// раз, сколько бы его ни вызывали.
func (c *OpenRouterClient) begin(ctx context.Context) (context.Context, func(), error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, nil, ErrClientClosed
	}
	c.inflight.Add(1)
	c.active.Add(1)
	c.mu.RUnlock()

	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)

	var once sync.Once
	end := func() {
		once.Do(func() {
			stop()
			cancel()
			c.active.Add(-1)
			c.inflight.Done()
		})
	}
	return reqCtx, end, nil
}

// Send выполняет одиночный запрос с повторами.
func (c *OpenRouterClient) Send(ctx context.Context, messages []Message) (Completion, error) {
	if err := c.limits.ValidateMessages(messages); err != nil {
		return Completion{}, err
	}
	reqCtx, end, err := c.begin(ctx)
	if err != nil {
		return Completion{}, err
	}
	defer end()

	model := c.Model()
	body, err := encodeRequest(model, messages, false)
	if err != nil {
		return Completion{}, err
	}
	requestID := uuid.NewString()
	logger := c.logger.With(slog.String("request_id", requestID), slog.String("model", model))

	started := time.Now()
	completion, retries, err := retry.Do(reqCtx, c.retry, logger, func(ctx context.Context, attempt int) retry.Outcome[Completion] {
		return c.attemptSend(ctx, requestID, body)
	})
	if err != nil {
		err = c.finalError(ctx, err, len(retries)+1)
		logger.Warn("request failed",
			slog.String("kind", string(errx.KindOf(err))),
			slog.Int("attempts", len(retries)+1),
			slog.Any("error", err))
		return Completion{}, err
	}
	logger.Debug("request completed",
		slog.Int("attempts", len(retries)+1),
		slog.Int("tokens", completion.TokenCount),
		slog.Duration("elapsed", time.Since(started)))
	return completion, nil
}

func (c *OpenRouterClient) attemptSend(ctx context.Context, requestID string, body []byte) retry.Outcome[Completion] {
	release, err := c.pool.Acquire(ctx)
	if err != nil {
		return failure[Completion](c.transportError(ctx, err))
	}
	defer release()

	resp, err := c.post(ctx, requestID, body, false)
	if err != nil {
		return failure[Completion](err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return failure[Completion](c.transportError(ctx, err))
	}
	if len(raw) > maxResponseBytes {
		return failure[Completion](c.protocolError("response body is too large", nil))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return failure[Completion](c.protocolError("response is not valid JSON", err))
	}
	if parsed.Error != nil {
		return failure[Completion](c.protocolError(parsed.Error.Message, nil))
	}
	if len(parsed.Choices) == 0 {
		return failure[Completion](c.protocolError("response has no choices", nil))
	}
	content := parsed.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return failure[Completion](c.protocolError("response content is empty", nil))
	}

	completion := Completion{Content: content}
	if parsed.Usage != nil && parsed.Usage.TotalTokens > 0 {
		completion.TokenCount = parsed.Usage.TotalTokens
	} else {
		completion.TokenCount = EstimateTokens(content)
		completion.TokensEstimated = true
	}
	return retry.Succeeded(completion)
}

// OpenStream открывает потоковый запрос. Повторы возможны только до получения
// статуса 200; после этого ошибка чтения завершает стрим.
func (c *OpenRouterClient) OpenStream(ctx context.Context, messages []Message) (*Stream, error) {
	if err := c.limits.ValidateMessages(messages); err != nil {
		return nil, err
	}
	reqCtx, end, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}

	model := c.Model()
	body, err := encodeRequest(model, messages, true)
	if err != nil {
		end()
		return nil, err
	}
	requestID := uuid.NewString()
	logger := c.logger.With(slog.String("request_id", requestID), slog.String("model", model))

	opened, retries, err := retry.Do(reqCtx, c.retry, logger, func(ctx context.Context, attempt int) retry.Outcome[openedStream] {
		return c.attemptOpen(ctx, requestID, body)
	})
	if err != nil {
		end()
		err = c.finalError(ctx, err, len(retries)+1)
		logger.Warn("stream failed to open",
			slog.String("kind", string(errx.KindOf(err))),
			slog.Int("attempts", len(retries)+1),
			slog.Any("error", err))
		return nil, err
	}

	logger.Debug("stream opened", slog.Int("attempts", len(retries)+1))
	return newStream(streamConfig{
		parent:   ctx,
		reqCtx:   reqCtx,
		body:     opened.body,
		maxBytes: c.maxStreamBytes,
		redactor: c.redactor,
		logger:   logger,
		cleanup: func() {
			opened.body.Close()
			opened.release()
			end()
		},
	}), nil
}

type openedStream struct {
	body    io.ReadCloser
	release func()
}

func (c *OpenRouterClient) attemptOpen(ctx context.Context, requestID string, body []byte) retry.Outcome[openedStream] {
	release, err := c.pool.Acquire(ctx)
	if err != nil {
		return failure[openedStream](c.transportError(ctx, err))
	}
	resp, err := c.post(ctx, requestID, body, true)
	if err != nil {
		release()
		return failure[openedStream](err)
	}
	return retry.Succeeded(openedStream{body: resp.Body, release: release})
}

// post отправляет запрос и возвращает ответ только со статусом 200. Для
// остальных статусов тело закрывается, а ошибка классифицируется.
func (c *OpenRouterClient) post(ctx context.Context, requestID string, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Title", appTitle)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, c.statusError(resp)
}

func (c *OpenRouterClient) statusError(resp *http.Response) *errx.ServiceError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := errx.Service(c.redactor, statusKind(resp.StatusCode), resp.StatusCode, errorDetail(raw), nil)
	if retryAfter, ok := retry.ParseRetryAfter(resp.Header, time.Now()); ok {
		se.RetryAfter = retryAfter
	}
	return se
}

func statusKind(status int) errx.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errx.KindUnauthorized
	case status == http.StatusTooManyRequests:
		return errx.KindRateLimited
	case status == http.StatusRequestTimeout:
		return errx.KindTimeout
	case status >= 500:
		return errx.KindServerError
	default:
		return errx.KindProtocol
	}
}

// errorDetail достаёт error.message из JSON-ответа, иначе возвращает тело как есть.
func errorDetail(raw []byte) string {
	var parsed struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(raw)
}

// transportError классифицирует ошибку сети. Отмена вызывающим
// возвращается как есть и не повторяется.
func (c *OpenRouterClient) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	switch {
	case errors.Is(err, transport.ErrPoolTimeout):
		return errx.Service(c.redactor, errx.KindTimeout, 0, "timed out waiting for a free connection", err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return errx.Service(c.redactor, errx.KindTimeout, 0, err.Error(), err)
	default:
		return errx.Service(c.redactor, errx.KindNetwork, 0, err.Error(), err)
	}
}

func (c *OpenRouterClient) protocolError(detail string, cause error) *errx.ServiceError {
	return errx.Service(c.redactor, errx.KindProtocol, 0, detail, cause)
}

// failure переводит ошибку попытки в решение для retry.Do.
func failure[T any](err error) retry.Outcome[T] {
	var se *errx.ServiceError
	if errors.As(err, &se) {
		if se.Kind.Retryable() {
			return retry.Retryable[T](se.Kind, se, se.RetryAfter)
		}
		return retry.Terminal[T](se.Kind, se)
	}
	return retry.Terminal[T](errx.KindOf(err), err)
}

// finalError приводит результат retry.Do к ошибке для вызывающего.
func (c *OpenRouterClient) finalError(ctx context.Context, err error, attempts int) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Cause
		attempts = exhausted.Attempts
	}
	var se *errx.ServiceError
	if errors.As(err, &se) {
		se.Attempts = attempts
		return se
	}
	if ctx.Err() == nil && c.lifetime.Err() != nil {
		return fmt.Errorf("%w: request aborted", ErrClientClosed)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &errx.ServiceError{Kind: errx.KindTimeout, Attempts: attempts, Err: err}
	}
	return err
}

// Shutdown запрещает новые запросы и ждёт завершения текущих. Если ctx
// истекает раньше, текущие запросы отменяются и возвращается
// ErrShutdownTimeout. Повторный вызов ничего не делает.
func (c *OpenRouterClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		c.logger.Warn("shutdown timed out, cancelling in-flight requests", slog.Int64("in_flight", c.active.Load()))
		c.abort()
		<-drained
		err = ErrShutdownTimeout
	}
	c.abort()
	c.httpClient.CloseIdleConnections()
	c.logger.Debug("client closed")
	return err
}

// Close вызывает Shutdown с таймаутом из Options.
func (c *OpenRouterClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()
	return c.Shutdown(ctx)
}

func encodeRequest(model string, messages []Message, stream bool) ([]byte, error) {
	wire := make([]wireMessage, len(messages))
	for i, m := range messages {
		wire[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	buf, err := json.Marshal(chatRequest{Model: model, Messages: wire, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return buf, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
		Delta   wireMessage `json:"delta"`
	} `json:"choices"`
	Usage *usage    `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type usage struct {
	TotalTokens int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}
