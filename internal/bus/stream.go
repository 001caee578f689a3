package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Topology names the stream and subjects the worker uses.
type Topology struct {
	Stream        string
	SubmitSubject string
	RetrySubject  string
	DeadSubject   string
	RefundSubject string
	EventPrefix   string
	MaxAge        time.Duration
}

func DefaultTopology() Topology {
	return Topology{
		Stream:        "JOBS",
		SubmitSubject: "jobs.submit",
		RetrySubject:  "jobs.retry",
		DeadSubject:   "jobs.dead",
		RefundSubject: "jobs.refund",
		EventPrefix:   "analysis.events",
		MaxAge:        7 * 24 * time.Hour,
	}
}

// EnsureStream creates or updates the jobs stream with all work subjects.
func (c *Client) EnsureStream(ctx context.Context, t Topology) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       t.Stream,
		Subjects:   []string{t.SubmitSubject, t.RetrySubject, t.DeadSubject, t.RefundSubject},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     t.MaxAge,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", t.Stream, err)
	}
	return nil
}

// Delivery is the subset of a JetStream message the worker acts on.
type Delivery interface {
	Data() []byte
	Headers() nats.Header
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
	InProgress() error
}

var _ Delivery = (jetstream.Msg)(nil)

type ConsumerConfig struct {
	Durable  string
	Subjects []string

	// AckWait is how long a delivery may stay unacked before redelivery.
	// Heartbeats extend it with InProgress.
	AckWait time.Duration

	// MaxAckPending bounds unacked deliveries, which is the broker side of
	// the worker's concurrency limit.
	MaxAckPending int
}

// Consume starts a durable pull consumer and calls handler for every
// delivery. The handler runs on the consumer's goroutine; blocking in it
// applies backpressure. The returned func stops consumption.
func (c *Client) Consume(ctx context.Context, stream string, cfg ConsumerConfig, handler func(Delivery)) (func(), error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:        cfg.Durable,
		FilterSubjects: cfg.Subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        cfg.AckWait,
		MaxAckPending:  cfg.MaxAckPending,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}
	var opts []jetstream.PullConsumeOpt
	if cfg.MaxAckPending > 0 {
		opts = append(opts, jetstream.PullMaxMessages(cfg.MaxAckPending))
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) { handler(msg) }, opts...)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}
	return cc.Stop, nil
}
