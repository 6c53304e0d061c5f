package messaging

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"bizflow/internal/types"
)

// BackoffPolicy configures in-call retry behavior for provider HTTP requests.
// This is distinct from the broker's redelivery backoff: the client retries
// quickly inside a single delivery attempt, the broker retries across
// attempts with much longer waits.
type BackoffPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultBackoffPolicy returns the retry defaults for messaging API calls.
// Short waits: the whole call must fit inside the worker's send timeout.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxRetries: 2,
		MinWait:    200 * time.Millisecond,
		MaxWait:    2 * time.Second,
	}
}

// resilientClient wraps an *http.Client with a circuit breaker and retry on
// 429/5xx. Provider senders that speak raw HTTP route their calls through it.
type resilientClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	policy  BackoffPolicy
	sleepFn func(time.Duration)
}

type clientOption func(*resilientClient)

// withSleepFunc overrides the inter-retry sleep, for tests.
func withSleepFunc(fn func(time.Duration)) clientOption {
	return func(c *resilientClient) { c.sleepFn = fn }
}

func newResilientClient(httpClient *http.Client, breakerName string, policy BackoffPolicy, opts ...clientOption) *resilientClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	c := &resilientClient{
		client:  httpClient,
		breaker: cb,
		policy:  policy,
		sleepFn: time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request with circuit breaking and retry on 429/5xx,
// replaying the body on each attempt. Responses with other statuses are
// returned as-is with an open body the caller must close. Exhausted retries
// and an open breaker map to transient upstream AppErrors.
func (c *resilientClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-Request-Id", traceID)
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamTransient, "failed to buffer request body", err)
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.policy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			// 429 and 5xx count as failures for the breaker and retry loop.
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.backoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// backoff picks the wait before the next attempt: Retry-After when the
// upstream sent one, otherwise exponential with full jitter clamped to
// [MinWait, MaxWait].
func (c *resilientClient) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				wait := time.Duration(seconds) * time.Second
				if wait > c.policy.MaxWait {
					wait = c.policy.MaxWait
				}
				return wait
			}
		}
	}

	base := float64(c.policy.MinWait) * math.Pow(2, float64(attempt))
	if base > float64(c.policy.MaxWait) {
		base = float64(c.policy.MaxWait)
	}
	minWait := float64(c.policy.MinWait)
	if base <= minWait {
		return c.policy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

func (c *resilientClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "circuit breaker open; messaging provider unavailable", err)
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "messaging provider rate limit exceeded", err)
	}
	if resp != nil && resp.StatusCode >= 500 {
		return types.NewAppError(types.ErrCodeUpstreamTransient,
			fmt.Sprintf("messaging provider returned %d after retries", resp.StatusCode), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamTransient, "messaging provider request failed", err)
}
