package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/logging"
)

// RetryConfig bounds the retries of one GitHub call. Zero fields take the
// defaults: 3 retries, 1s doubling to at most 30s.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// RetryConfigFrom reads the github section. The multiplier is not
// configurable.
func RetryConfigFrom(cfg config.GitHubConfig) *RetryConfig {
	rc := &RetryConfig{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff.Duration(),
		MaxBackoff:     cfg.MaxBackoff.Duration(),
	}
	rc.ApplyDefaults()
	return rc
}

// ApplyDefaults fills zero fields.
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
}

// retrier runs every call of one Finalizer through a shared token bucket
// and retries transient failures.
type retrier struct {
	cfg     *RetryConfig
	limiter *rate.Limiter
	logger  *logging.Logger
}

func newRetrier(cfg *RetryConfig, limiter *rate.Limiter, logger *logging.Logger) *retrier {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &retrier{cfg: cfg, limiter: limiter, logger: logger}
}

// do calls op until it succeeds, fails permanently or the retries run out.
// Rate-limited calls sleep until GitHub's reset time, capped at MaxBackoff;
// other transient failures back off exponentially.
func (r *retrier) do(ctx context.Context, name string, op func() (*gh.Response, error)) (*gh.Response, error) {
	var (
		resp  *gh.Response
		err   error
		delay = r.cfg.InitialBackoff
	)
	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if werr := r.limiter.Wait(ctx); werr != nil {
				return nil, fmt.Errorf("%s: rate limiter: %w", name, werr)
			}
		}
		resp, err = op()
		if err == nil {
			if attempt > 1 {
				r.logger.Info(ctx, "github call succeeded after retry",
					zap.String("operation", name), zap.Int("attempt", attempt))
			}
			return resp, nil
		}
		if !isRetryableError(err, resp) {
			return resp, err
		}
		if attempt > r.cfg.MaxRetries {
			break
		}

		wait := delay
		if limited, ok := rateLimitBackoff(err, resp, r.cfg.MaxBackoff); ok {
			wait = limited
		}
		r.logger.Warn(ctx, "github call failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("status_code", statusCode(resp)),
			zap.Duration("wait", wait),
			zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%s: retry canceled: %w", name, ctx.Err())
		case <-t.C:
		}
		delay = min(time.Duration(float64(delay)*r.cfg.BackoffMultiplier), r.cfg.MaxBackoff)
	}
	return resp, fmt.Errorf("%s failed after %d retries: %w", name, r.cfg.MaxRetries, err)
}

// isRetryableError reports whether err may succeed on a later attempt.
// Validation and auth failures never do.
func isRetryableError(err error, resp *gh.Response) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}

	if resp != nil && resp.Response != nil {
		code := resp.Response.StatusCode

		switch code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true

		case http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity:
			return false

		case http.StatusForbidden:
			// Only secondary rate limits carry rate headers.
			return resp.Rate.Limit > 0

		default:
			return code >= 500 && code < 600
		}
	}

	// No response: network errors, timeouts.
	return true
}

// rateLimitBackoff returns the wait for a rate-limited failure and false
// for anything else.
func rateLimitBackoff(err error, resp *gh.Response, maxBackoff time.Duration) (time.Duration, bool) {
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		if abuseErr.RetryAfter != nil {
			return capBackoff(*abuseErr.RetryAfter, maxBackoff), true
		}
		return maxBackoff, true
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return untilReset(rateErr.Rate, maxBackoff), true
	}

	if resp == nil || resp.Response == nil {
		return 0, false
	}
	code := resp.Response.StatusCode
	if code != http.StatusTooManyRequests && !(code == http.StatusForbidden && resp.Rate.Limit > 0) {
		return 0, false
	}
	if resp.Rate.Limit == 0 && resp.Rate.Remaining == 0 {
		return capBackoff(time.Minute, maxBackoff), true
	}
	return untilReset(resp.Rate, maxBackoff), true
}

func untilReset(r gh.Rate, maxBackoff time.Duration) time.Duration {
	// +1s so the window has rolled over.
	return capBackoff(time.Until(r.Reset.Time)+time.Second, maxBackoff)
}

func capBackoff(d, maxBackoff time.Duration) time.Duration {
	if d < time.Second {
		d = time.Second
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// statusCode is 0 when there was no response.
func statusCode(resp *gh.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
