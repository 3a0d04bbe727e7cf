// Package clients holds the shared plumbing for outbound HTTP collaborators:
// an explicit timeout, a rate limiter and a circuit breaker per service.
package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/metrics"
)

const maxResponseBytes = 8 << 20

// Error is a failed call to an external service. Temporary failures
// (network, timeouts, 5xx, 429, open breaker) may be retried.
type Error struct {
	Service    string
	StatusCode int
	Err        error
	temporary  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Temporary() bool { return e.temporary }

// Permanent wraps err as a non-retryable service error.
func Permanent(service string, err error) *Error {
	return &Error{Service: service, Err: err}
}

// Options configures a Caller.
type Options struct {
	Service           string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables rate limiting
	FailureThreshold  uint32  // consecutive temporary failures that open the breaker
	OpenTimeout       time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Caller sends requests to one external service.
type Caller struct {
	service string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewCaller(opts Options) *Caller {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	opts.Logger = logging.OrNop(opts.Logger)
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	logger := opts.Logger.Named(opts.Service)

	c := &Caller{
		service: opts.Service,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		logger:  logger,
		metrics: opts.Metrics,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	threshold := opts.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        opts.Service,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a malformed request or a negative answer says nothing about the
		// service's health
		IsSuccessful: func(err error) bool {
			var e *Error
			return err == nil || (errors.As(err, &e) && !e.Temporary())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

// Do sends the request built by newReq and returns the body of a 2xx
// response. Every failure is returned as *Error.
func (c *Caller) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, newReq)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &Error{Service: c.service, Err: err, temporary: true}
	}
	c.metrics.ObserveExternal(c.service, err)
	return body, err
}

func (c *Caller) do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Service: c.service, Err: fmt.Errorf("rate limiter: %w", err), temporary: true}
		}
	}

	req, err := newReq(ctx)
	if err != nil {
		return nil, Permanent(c.service, fmt.Errorf("failed to build request: %w", err))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Service: c.service, Err: err, temporary: isTransient(ctx, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Service: c.service, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err), temporary: true}
	}
	c.logger.Debug("call finished",
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		temporary := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &Error{Service: c.service, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode)), temporary: temporary}
	}
	return body, nil
}

func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
