package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// StatusCoder is implemented by errors carrying a response status code.
type StatusCoder interface {
	StatusCode() int
}

// Retryable reports whether err is a transient failure worth another attempt:
// connection resets, DNS failures, timeouts and 5xx responses. Client errors
// (4xx, validation) are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 500 || code == 408 || code == 429
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCode(pgErr.Code)
	}
	return pgconn.SafeToRetry(err)
}

// retryablePgCode covers connection exceptions, resource exhaustion, operator
// intervention, serialization failures and deadlocks.
func retryablePgCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"),
		strings.HasPrefix(code, "53"),
		strings.HasPrefix(code, "57P"),
		code == "40001",
		code == "40P01":
		return true
	}
	return false
}

// countsAsFailure reports whether an outcome should trip the breaker. A
// non-retryable response means the dependency answered, so it is a success
// from the breaker's point of view.
func countsAsFailure(err error) bool {
	return Retryable(err)
}
