// Package retry implements pluggable retry policies for storage and
// control-plane calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy decides whether another attempt is allowed and how long to wait
// before it. Attempt numbering starts at 1 for the first retry.
type Policy interface {
	Delay(attempt int) (time.Duration, bool)
}

// Exponential backs off exponentially from Base up to Cap, with optional
// full jitter.
type Exponential struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      bool
}

// DefaultExponential matches the engine-wide default policy.
func DefaultExponential() Exponential {
	return Exponential{
		Base:        500 * time.Millisecond,
		Cap:         30 * time.Second,
		MaxAttempts: 3,
		Jitter:      true,
	}
}

func (e Exponential) Delay(attempt int) (time.Duration, bool) {
	if attempt > e.MaxAttempts {
		return 0, false
	}
	d := e.Base << uint(attempt-1)
	if e.Cap > 0 && d > e.Cap {
		d = e.Cap
	}
	if e.Jitter {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d, true
}

// Linear waits a fixed backoff between attempts.
type Linear struct {
	Backoff     time.Duration
	MaxAttempts int
}

func (l Linear) Delay(attempt int) (time.Duration, bool) {
	if attempt > l.MaxAttempts {
		return 0, false
	}
	return l.Backoff, true
}

// None disables retries.
type None struct{}

func (None) Delay(int) (time.Duration, bool) { return 0, false }

// StatusError carries an HTTP status code through the retry classifier.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, e.Status)
}

// Retryable reports whether an error is worth retrying: timeouts, connection
// resets, and 408/429/5xx responses except 501 and 505.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		case http.StatusNotImplemented, http.StatusHTTPVersionNotSupported:
			return false
		}
		return statusErr.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}

// Do runs fn, retrying per policy while the returned error is retryable.
// Sleeps are context-aware.
func Do(ctx context.Context, policy Policy, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !Retryable(err) {
			return err
		}

		delay, ok := policy.Delay(attempt + 1)
		if !ok {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt + 1,
			"delay":     delay,
			"error":     err,
		}).Warn("Retrying after transient failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Transport is an http.RoundTripper that retries idempotent requests per the
// configured policy. Requests with a non-rewindable body are passed through.
type Transport struct {
	Base   http.RoundTripper
	Policy Policy
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if req.Body != nil && req.GetBody == nil {
		return base.RoundTrip(req)
	}

	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		if req.Body != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			req.Body = body
		}

		resp, err := base.RoundTrip(req)
		if err == nil {
			if !Retryable(&StatusError{Code: resp.StatusCode, Status: resp.Status}) {
				return resp, nil
			}
		} else if !Retryable(err) {
			return nil, err
		}

		delay, ok := t.Policy.Delay(attempt + 1)
		if !ok {
			// Retries exhausted; hand back whatever we got last.
			return resp, err
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		logrus.WithFields(logrus.Fields{
			"method":  req.Method,
			"path":    req.URL.Path,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("Retrying HTTP request")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
