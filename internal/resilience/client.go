package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Result is the outcome of a guarded call. OK is false when every attempt
// failed; absence of a value is a normal outcome, not an exception.
type Result[T any] struct {
	Value    T
	OK       bool
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Client applies admission control, per-attempt timeouts and retry to
// outbound provider calls.
type Client struct {
	limiter        *Limiter
	retry          RetryConfig
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetry overrides the retry policy.
func WithRetry(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithTimeout sets the per-attempt timeout used when a provider has none.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithProviderTimeout sets a per-attempt timeout for one provider.
func WithProviderTimeout(provider string, d time.Duration) ClientOption {
	return func(c *Client) { c.timeouts[provider] = d }
}

// NewClient creates a Client gated by limiter. A nil limiter gets defaults.
func NewClient(limiter *Limiter, opts ...ClientOption) *Client {
	if limiter == nil {
		limiter = NewLimiter(LimitConfig{}, nil)
	}
	c := &Client{
		limiter:        limiter,
		retry:          DefaultRetryConfig(),
		defaultTimeout: 10 * time.Second,
		timeouts:       make(map[string]time.Duration),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Limiter exposes the admission gate shared by this client.
func (c *Client) Limiter() *Limiter { return c.limiter }

func (c *Client) timeout(provider string) time.Duration {
	if d, ok := c.timeouts[provider]; ok && d > 0 {
		return d
	}
	return c.defaultTimeout
}

// Call runs fn for provider with retry. Each attempt holds one limiter slot
// and its own timeout; the slot is released during backoff sleeps. Panics in
// fn are converted into errors so nothing escapes the call boundary.
func Call[T any](ctx context.Context, c *Client, provider, operation string, fn func(ctx context.Context) (T, error)) Result[T] {
	start := time.Now()
	retry := c.retry
	if retry.OnRetry == nil {
		retry.OnRetry = RetryLogger(provider, operation)
	}

	val, attempts, err := DoVal(ctx, retry, func(ctx context.Context) (T, error) {
		return attempt(ctx, c, provider, fn)
	})

	res := Result[T]{Attempts: attempts, Elapsed: time.Since(start)}
	if err != nil {
		res.Err = err
		zap.L().Debug("provider call gave no result",
			zap.String("provider", provider),
			zap.String("operation", operation),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return res
	}
	res.Value = val
	res.OK = true
	return res
}

func attempt[T any](ctx context.Context, c *Client, provider string, fn func(ctx context.Context) (T, error)) (val T, err error) {
	release, err := c.limiter.Acquire(ctx, provider)
	if err != nil {
		return val, err
	}
	defer release()

	actx, cancel := context.WithTimeout(ctx, c.timeout(provider))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("%s: panic: %v", provider, r)
		}
	}()
	return fn(actx)
}
