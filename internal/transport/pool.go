package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrPoolTimeout возвращается, когда свободный слот не освободился за PoolTimeout.
var ErrPoolTimeout = errors.New("transport: timed out waiting for a pooled connection")

// Pool ограничивает число одновременных запросов к шлюзу.
type Pool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func NewPool(size int, timeout time.Duration) *Pool {
	if size <= 0 {
		size = DefaultPolicy().MaxConnsPerHost
	}
	if timeout <= 0 {
		timeout = DefaultPolicy().PoolTimeout
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), timeout: timeout}
}

// Acquire ждёт слот не дольше PoolTimeout. Возвращённый release безопасно
// вызывать несколько раз.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, ErrPoolTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() { p.sem.Release(1) })
	}, nil
}
