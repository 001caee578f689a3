package bus

import (
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-analyzer/pkg/schema"
)

// NewJobMsg builds a job message carrying the retry headers.
func NewJobMsg(subject string, body []byte, retryCount int, notBefore time.Time) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set(schema.HeaderRetryCount, strconv.Itoa(retryCount))
	if !notBefore.IsZero() {
		msg.Header.Set(schema.HeaderNotBefore, strconv.FormatInt(notBefore.UnixMilli(), 10))
	}
	return msg
}

// RetryCount reads the Retry-Count header. ok is false when the header is
// missing or malformed.
func RetryCount(h nats.Header) (n int, ok bool) {
	if h == nil {
		return 0, false
	}
	v := h.Get(schema.HeaderRetryCount)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// NotBefore reads the Not-Before header (unix milliseconds).
func NotBefore(h nats.Header) (time.Time, bool) {
	if h == nil {
		return time.Time{}, false
	}
	v := h.Get(schema.HeaderNotBefore)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
