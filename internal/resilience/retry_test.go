package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/tendant/simple-analyzer/internal/resilience"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"circuit open", resilience.ErrCircuitOpen, false},
		{"503", statusErr(503), true},
		{"500 wrapped", fmt.Errorf("update: %w", statusErr(500)), true},
		{"429", statusErr(429), true},
		{"404", statusErr(404), false},
		{"422", statusErr(422), false},
		{"conn reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "db"}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg connection", &pgconn.PgError{Code: "08006"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("bad payload"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resilience.Retryable(tt.err))
		})
	}
}
