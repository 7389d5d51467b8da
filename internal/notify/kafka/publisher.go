// Package kafka publishes buyer notifications, seller payouts and operator
// alerts to Kafka topics.
package kafka

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

// Default topics.
const (
	TopicOrderStatus = "order.status"
	TopicPayouts     = "seller.payouts"
	TopicAlerts      = "checkout.alerts"
)

var (
	_ notify.Notifier = (*Publisher)(nil)
	_ notify.Payouts  = (*Publisher)(nil)
	_ notify.Alerter  = (*Publisher)(nil)
)

// Topics names the destination of each message kind.
type Topics struct {
	OrderStatus string
	Payouts     string
	Alerts      string
}

func (t Topics) withDefaults() Topics {
	if t.OrderStatus == "" {
		t.OrderStatus = TopicOrderStatus
	}
	if t.Payouts == "" {
		t.Payouts = TopicPayouts
	}
	if t.Alerts == "" {
		t.Alerts = TopicAlerts
	}
	return t
}

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON events keyed by order ID, so every event of an order
// lands on the same partition.
type Publisher struct {
	w      Writer
	topics Topics
	now    func() time.Time
}

// NewWriter returns a synchronous writer that takes the topic from each
// message.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewPublisher returns a Publisher over w.
func NewPublisher(w Writer, topics Topics) *Publisher {
	return &Publisher{w: w, topics: topics.withDefaults(), now: time.Now}
}

// Notify publishes an order status change for the buyer.
func (p *Publisher) Notify(ctx context.Context, buyerID, orderID, status string) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("type", func(e *jx.Encoder) { e.Str(string(notify.KindOrderStatus)) })
		e.Field("buyer_id", func(e *jx.Encoder) { e.Str(buyerID) })
		e.Field("order_id", func(e *jx.Encoder) { e.Str(orderID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(status) })
		p.encodeTime(e)
	})
	return p.write(ctx, p.topics.OrderStatus, orderID, e.Bytes())
}

// ReleaseFunds asks the payout system to release amount to the store.
func (p *Publisher) ReleaseFunds(ctx context.Context, storeID, orderID string, amount decimal.Decimal) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("type", func(e *jx.Encoder) { e.Str(string(notify.KindFundsRelease)) })
		e.Field("store_id", func(e *jx.Encoder) { e.Str(storeID) })
		e.Field("order_id", func(e *jx.Encoder) { e.Str(orderID) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(amount.StringFixed(2)) })
		p.encodeTime(e)
	})
	return p.write(ctx, p.topics.Payouts, orderID, e.Bytes())
}

// Alert publishes a failed compensation to the operator queue.
func (p *Publisher) Alert(ctx context.Context, a notify.Alert) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(a.OrderID) })
		e.Field("stage", func(e *jx.Encoder) { e.Str(a.Stage) })
		e.Field("reason", func(e *jx.Encoder) { e.Str(a.Reason) })
		e.Field("at", func(e *jx.Encoder) { e.Str(a.At.UTC().Format(time.RFC3339Nano)) })
	})
	return p.write(ctx, p.topics.Alerts, a.OrderID, e.Bytes())
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func (p *Publisher) encodeTime(e *jx.Encoder) {
	e.Field("at", func(e *jx.Encoder) { e.Str(p.now().UTC().Format(time.RFC3339Nano)) })
}

func (p *Publisher) write(ctx context.Context, topic, key string, value []byte) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}
