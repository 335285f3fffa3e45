// Package client provides the resilient HTTP client used for every
// outbound dependency call: retry with backoff, a per-dependency circuit
// breaker, and a configurable degradation chain backed by a response cache.
//
// The retry loop is the breaker's primary; the degradation handler is its
// fallback. A breaker-open fast-fail therefore skips the retry loop
// entirely and goes straight to degradation.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/lingokit/lingokit/internal/breaker"
	"github.com/lingokit/lingokit/internal/cache"
	"github.com/lingokit/lingokit/internal/logging"
	"github.com/lingokit/lingokit/internal/metrics"
	"github.com/lingokit/lingokit/internal/observability"
)

// DegradationMode selects the fallback strategy when the primary call path
// is unavailable.
type DegradationMode string

const (
	// DegradeFail raises a dependency-unavailable error with no fallback.
	DegradeFail DegradationMode = "fail"
	// DegradeMock returns the request's static mock payload.
	DegradeMock DegradationMode = "mock"
	// DegradeCache serves the last cached response for the request's
	// cache key, falling through to mock then basic when absent.
	DegradeCache DegradationMode = "cache"
	// DegradeBasic returns the dependency's canned minimal payload.
	DegradeBasic DegradationMode = "basic"
)

// UnavailableError reports a dependency whose primary path failed and whose
// degradation mode was fail.
type UnavailableError struct {
	Dependency string
	Cause      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("client: dependency %s unavailable: %v", e.Dependency, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// HTTPError reports a non-2xx response from the dependency. It is
// retryable like a transport failure.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("client: unexpected status %d", e.Status)
}

// Request describes one outbound call.
type Request struct {
	Method          string
	URL             string
	Header          http.Header
	Body            []byte
	DegradationMode DegradationMode
	MockResponse    []byte // static payload for mock degradation
	CacheKey        string // enables response caching and cache degradation
}

// Response is the result of Execute. Degraded responses carry best-effort
// data and are tagged so callers can warn end users.
type Response struct {
	Status          int             `json:"status"`
	Body            []byte          `json:"-"`
	Degraded        bool            `json:"degraded"`
	DegradationMode DegradationMode `json:"degradation_mode,omitempty"`
	FromCache       bool            `json:"from_cache"`
	Elapsed         time.Duration   `json:"response_time_ms"`
}

// Config holds the per-dependency client configuration.
type Config struct {
	Dependency         string        // breaker name and log/span label
	MaxRetries         int           // attempts = MaxRetries + 1
	BaseDelay          time.Duration // first retry delay
	MaxDelay           time.Duration // backoff cap
	ExponentialBackoff bool          // constant BaseDelay when false
	Timeout            time.Duration // per-attempt timeout
	CacheTTL           time.Duration // response cache TTL (default 5m)
	BasicPayload       []byte        // canned minimal payload for basic degradation
	Breaker            breaker.Config
}

// DefaultCacheTTL is how long successful responses stay eligible for
// cache-mode degradation.
const DefaultCacheTTL = 5 * time.Minute

// RequestRecorder receives the outcome of every Execute call. The health
// monitor satisfies this.
type RequestRecorder interface {
	RecordRequest(success bool, elapsed time.Duration)
}

// Client is a resilient HTTP client for one named dependency.
type Client struct {
	cfg       Config
	http      *http.Client
	breaker   *breaker.Breaker
	responses cache.Store
	recorder  RequestRecorder
}

// New creates a client for cfg.Dependency. The breaker is taken from reg so
// every client for the same dependency shares one breaker. responses backs
// cache-mode degradation and may be nil to disable it.
func New(cfg Config, reg *breaker.Registry, responses cache.Store) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{},
		breaker:   reg.GetOrCreate(cfg.Dependency, cfg.Breaker),
		responses: responses,
	}
}

// SetRecorder wires a request-outcome recorder (typically the health
// monitor). Safe to leave unset.
func (c *Client) SetRecorder(r RequestRecorder) { c.recorder = r }

// Breaker returns the breaker guarding this client's dependency.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// Execute performs the request with retry under the circuit breaker,
// degrading per req.DegradationMode when the primary path fails.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	ctx, span := observability.StartClientSpan(ctx, "dependency.call",
		observability.AttrDependency.String(c.cfg.Dependency),
	)
	defer span.End()

	var lastErr error
	var retries int

	primary := func(ctx context.Context) (*Response, error) {
		resp, attempts, err := c.doWithRetry(ctx, req)
		retries = attempts
		if err != nil {
			lastErr = err
			return nil, err
		}
		return resp, nil
	}
	fallback := func(ctx context.Context) (*Response, error) {
		return c.degrade(ctx, req, lastErr)
	}

	resp, err := breaker.Execute(ctx, c.breaker, primary, fallback)

	elapsed := time.Since(start)
	if c.recorder != nil {
		c.recorder.RecordRequest(err == nil, elapsed)
	}

	rec := &logging.CallRecord{
		Dependency: c.cfg.Dependency,
		Method:     req.Method,
		URL:        req.URL,
		DurationMs: elapsed.Milliseconds(),
		Success:    err == nil,
		Retries:    retries,
	}
	if err != nil {
		rec.Error = err.Error()
		observability.SetSpanError(span, err)
		logging.Calls().Log(rec)
		metrics.RecordUpstreamCall(c.cfg.Dependency, elapsed.Milliseconds(), false, false, "", retries)
		return nil, err
	}

	resp.Elapsed = elapsed
	rec.Status = resp.Status
	rec.Degraded = resp.Degraded
	rec.FromCache = resp.FromCache
	span.SetAttributes(
		observability.AttrDegraded.Bool(resp.Degraded),
		observability.AttrFromCache.Bool(resp.FromCache),
		observability.AttrRetries.Int(retries),
	)
	observability.SetSpanOK(span)
	logging.Calls().Log(rec)
	metrics.RecordUpstreamCall(c.cfg.Dependency, elapsed.Milliseconds(), true,
		resp.Degraded, string(resp.DegradationMode), retries)

	// Fresh authoritative responses feed later cache-mode degradation.
	if !resp.Degraded && req.CacheKey != "" && c.responses != nil {
		if cerr := c.responses.Set(ctx, c.cacheKey(req.CacheKey), resp.Body, c.cfg.CacheTTL); cerr != nil {
			logging.Op().Warn("response cache write failed",
				"dependency", c.cfg.Dependency, "cache_key", req.CacheKey, "error", cerr)
		}
	}
	return resp, nil
}

// doWithRetry performs up to MaxRetries+1 attempts, returning the number of
// retries actually taken alongside the result.
func (c *Client) doWithRetry(ctx context.Context, req *Request) (*Response, int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt - 1)
			logging.Op().Warn("retrying dependency call",
				"dependency", c.cfg.Dependency, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.doOnce(ctx, req)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err
	}
	return nil, c.cfg.MaxRetries, lastErr
}

func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	observability.InjectHTTPHeaders(attemptCtx, httpReq.Header)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &HTTPError{Status: httpResp.StatusCode, Body: respBody}
	}

	return &Response{Status: httpResp.StatusCode, Body: respBody}, nil
}

// retryDelay computes the wait before retry n (zero-based): exponential
// min(base*2^n, max) plus up to 10% random jitter, or constant base delay.
func (c *Client) retryDelay(n int) time.Duration {
	if !c.cfg.ExponentialBackoff {
		return c.cfg.BaseDelay
	}
	delay := c.cfg.BaseDelay << uint(n)
	if delay > c.cfg.MaxDelay || delay <= 0 {
		delay = c.cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

// degrade resolves the fallback chain: cache → mock → basic, each falling
// through when inapplicable. Fail mode, or an exhausted chain, surfaces an
// error instead of best-effort data.
func (c *Client) degrade(ctx context.Context, req *Request, cause error) (*Response, error) {
	// A nil cause means primary never ran: the breaker fast-failed.
	if cause == nil {
		cause = &breaker.OpenError{Dependency: c.cfg.Dependency, RetryAt: c.breaker.Snapshot().NextAttempt}
	}

	mode := req.DegradationMode
	if mode == "" || mode == DegradeFail {
		return nil, &UnavailableError{Dependency: c.cfg.Dependency, Cause: cause}
	}

	if mode == DegradeCache && req.CacheKey != "" && c.responses != nil {
		body, err := c.responses.Get(ctx, c.cacheKey(req.CacheKey))
		if err == nil {
			metrics.RecordCacheHit("responses")
			logging.Op().Warn("serving degraded response from cache",
				"dependency", c.cfg.Dependency, "cache_key", req.CacheKey)
			return &Response{
				Status:          http.StatusOK,
				Body:            body,
				Degraded:        true,
				DegradationMode: DegradeCache,
				FromCache:       true,
			}, nil
		}
		metrics.RecordCacheMiss("responses")
	}

	if (mode == DegradeCache || mode == DegradeMock) && req.MockResponse != nil {
		logging.Op().Warn("serving degraded mock response", "dependency", c.cfg.Dependency)
		return &Response{
			Status:          http.StatusOK,
			Body:            req.MockResponse,
			Degraded:        true,
			DegradationMode: DegradeMock,
		}, nil
	}

	if c.cfg.BasicPayload != nil {
		logging.Op().Warn("serving degraded basic response", "dependency", c.cfg.Dependency)
		return &Response{
			Status:          http.StatusOK,
			Body:            c.cfg.BasicPayload,
			Degraded:        true,
			DegradationMode: DegradeBasic,
		}, nil
	}

	// Every applicable strategy failed: propagate the original error.
	return nil, cause
}

func (c *Client) cacheKey(key string) string {
	return c.cfg.Dependency + ":" + key
}
