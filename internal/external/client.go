// Package external provides the resilient HTTP layer between LoadIQ and the
// time-series backends it reads from (InfluxDB, Home Assistant). All outbound
// calls are routed through BaseClient, which enforces consistent resilience
// patterns: circuit breaking, retries with jittered backoff, request-id
// propagation, and mapping of transport failures onto source_* error codes.
package external

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"loadiq/internal/types"
)

// maxErrorBody bounds how much of a failed response body is kept for the
// error message.
const maxErrorBody = 512

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the defaults used for backend queries. A refresh
// cycle runs every minute, so retries stay well inside one cycle.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    250 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// ClientConfig describes one backend connection.
type ClientConfig struct {
	// Name identifies the circuit breaker in logs ("influxdb", "homeassistant").
	Name      string
	Timeout   time.Duration
	Retry     RetryPolicy
	UserAgent string
	// SkipTLSVerify disables certificate checks for self-signed home servers.
	SkipTLSVerify bool
	Logger        *slog.Logger
}

// BaseClient wraps an *http.Client and a circuit breaker. Source clients
// embed it to inherit this behavior.
type BaseClient struct {
	name        string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	logger      *slog.Logger
	sleepFn     func(time.Duration) // for testability; defaults to time.Sleep
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep function used between retries.
// This is intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) BaseClientOption {
	return func(c *BaseClient) {
		c.client = hc
	}
}

// WithBreaker replaces the circuit breaker, e.g. to share one across clients
// or to use tighter trip settings in tests.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.breaker = cb
	}
}

// NewBreaker builds the default breaker: it opens after more than five
// consecutive failures and probes again after 30 seconds.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// NewBaseClient creates a BaseClient from the connection settings.
func NewBaseClient(cfg ClientConfig, opts ...BaseClientOption) *BaseClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed home servers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bc := &BaseClient{
		name:        cfg.Name,
		client:      &http.Client{Timeout: timeout, Transport: transport},
		breaker:     NewBreaker(cfg.Name),
		retryPolicy: cfg.Retry,
		userAgent:   cfg.UserAgent,
		logger:      logger,
		sleepFn:     time.Sleep,
	}

	for _, opt := range opts {
		opt(bc)
	}

	return bc
}

// Do executes the HTTP request with:
//  1. Request ID injection (X-Request-Id from context)
//  2. User-Agent header injection
//  3. Circuit breaker wrapping
//  4. Retry on 429/5xx (respecting Retry-After headers)
//  5. Error mapping to types.AppError
//
// On success (2xx/3xx/4xx other than 429), Do returns the response as-is.
// The caller is responsible for closing the response body.
//
// On exhausted retries, transport failure or an open breaker, Do returns a
// types.AppError with a source_* code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if requestID := types.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Snapshot the request body so we can replay it on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to read request body for retry support",
				err,
			)
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
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
			if r.StatusCode >= 500 {
				return r, fmt.Errorf("backend returned %d", r.StatusCode)
			}
			if r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("backend returned 429")
			}
			return r, nil
		})

		if err == nil {
			return resp, nil
		}

		lastErr = err
		lastResp = nil
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

		// A cancelled refresh is not retried.
		if ctxErr := req.Context().Err(); ctxErr != nil {
			lastErr = ctxErr
			break
		}

		if attempt < maxAttempts-1 {
			wait := c.computeBackoff(attempt, resp)
			c.logger.Warn("backend request failed, retrying",
				"backend", c.name,
				"attempt", attempt+1,
				"wait_ms", wait.Milliseconds(),
				"error", err,
			)
			c.sleepFn(wait)
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}

	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff determines the wait duration before the next retry attempt.
// It respects the Retry-After header if present, otherwise uses exponential
// backoff with jitter clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				return min(wait, c.retryPolicy.MaxWait)
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(c.retryPolicy.MaxWait))

	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

// mapError translates transport-level failures into source_* AppErrors.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	details := map[string]any{"backend": c.name}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeSourceUnavailable,
			"circuit breaker is open; backend unavailable",
			err, details,
		)
	}

	if resp != nil {
		details["status"] = resp.StatusCode
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppErrorWithDetails(
				types.ErrCodeSourceRateLimited,
				"backend rate limit exceeded",
				err, details,
			)
		case resp.StatusCode >= 500:
			return types.NewAppErrorWithDetails(
				types.ErrCodeSourceUnavailable,
				fmt.Sprintf("backend returned %d after retries", resp.StatusCode),
				err, details,
			)
		}
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeSourceUnavailable,
		"backend request failed",
		err, details,
	)
}

// CheckStatus turns a non-2xx response that Do passed through (a 4xx other
// than 429) into a source_bad_query error carrying a prefix of the body.
// The body is consumed and closed in that case; on 2xx it is left untouched.
func CheckStatus(resp *http.Response, backend string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return types.NewAppErrorWithDetails(
		types.ErrCodeSourceBadQuery,
		fmt.Sprintf("%s rejected the query with status %d", backend, resp.StatusCode),
		errors.New(string(bytes.TrimSpace(snippet))),
		map[string]any{"backend": backend, "status": resp.StatusCode},
	)
}
