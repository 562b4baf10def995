package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	stdhttp "net/http"
	"strconv"
	"syscall"
	"time"

	"retrykit/pkg/retry"
)

// StatusError reports a response whose status code is treated as transient.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	// RetryAfter is the server's requested minimum wait, zero if absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// RetryDelay implements retry.DelayHinter.
func (e *StatusError) RetryDelay() time.Duration { return e.RetryAfter }

// Retryable matches transient transport failures and *StatusError.
var Retryable retry.Kind = retry.KindFunc(isRetryable)

func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	return isTransientNetError(err)
}

func retryableStatus(code int) bool {
	switch code {
	case stdhttp.StatusRequestTimeout, stdhttp.StatusMisdirectedRequest, stdhttp.StatusTooEarly,
		stdhttp.StatusTooManyRequests, stdhttp.StatusInternalServerError, stdhttp.StatusBadGateway,
		stdhttp.StatusServiceUnavailable, stdhttp.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	// A Client.Timeout error also matches context.DeadlineExceeded and is
	// caught by the Timeout check below. A finished caller context is
	// reported by the policy's wait.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.ENETDOWN),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ETIMEDOUT):
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryAfter parses Retry-After header value.
func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := stdhttp.ParseTime(h); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}
