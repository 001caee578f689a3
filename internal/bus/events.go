package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-analyzer/pkg/schema"
)

type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

type MsgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) error
}

// EventPublisher sends lifecycle events to <prefix>.<stage>.
type EventPublisher struct {
	pub    JSONPublisher
	prefix string
}

func NewEventPublisher(pub JSONPublisher, prefix string) *EventPublisher {
	if prefix == "" {
		prefix = DefaultTopology().EventPrefix
	}
	return &EventPublisher{pub: pub, prefix: prefix}
}

func (p *EventPublisher) Publish(_ context.Context, ev schema.JobEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.HappenedAt == 0 {
		ev.HappenedAt = time.Now().Unix()
	}
	subject := p.prefix + "." + string(ev.Stage)
	if err := p.pub.PublishJSON(subject, ev); err != nil {
		return fmt.Errorf("publish %s event for job %s: %w", ev.Stage, ev.JobID, err)
	}
	return nil
}

// RefundPublisher writes refund requests to the durable refunds subject.
// The request ID doubles as the JetStream message ID so repeated requests
// for one job are dropped by the stream.
type RefundPublisher struct {
	pub     MsgPublisher
	subject string
}

func NewRefundPublisher(pub MsgPublisher, subject string) *RefundPublisher {
	if subject == "" {
		subject = DefaultTopology().RefundSubject
	}
	return &RefundPublisher{pub: pub, subject: subject}
}

func (p *RefundPublisher) PublishRefund(ctx context.Context, req schema.RefundRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, req.ID)
	return p.pub.PublishMsg(ctx, msg)
}
