// Package notify pushes committed book events to NATS JetStream for
// downstream consumers (websocket fan-out, alerting). Delivery is best
// effort: consumers needing a complete record read the feed tables.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/econia-labs/econia-sub000/internal/observability"
)

// Notification is one committed event, flattened for subscribers.
// Subjects follow the pattern: econia.book.events.{event_type}.{market_id}
type Notification struct {
	TxnVersion uint64    `json:"txn_version"`
	EventIndex uint64    `json:"event_idx"`
	EventType  string    `json:"event_type"`
	MarketID   uint64    `json:"market_id"`
	Timestamp  time.Time `json:"time"`
	Payload    any       `json:"payload,omitempty"`
}

// Publisher drains a channel of notifications into JetStream. The
// channel is bounded; the engine drops on full rather than stalling a
// commit behind a slow broker.
type Publisher struct {
	js      jetstream.JetStream
	input   <-chan Notification
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan Notification, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, input: input, metrics: metrics, log: log}
}

// Run starts the publisher loop.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, n); err != nil {
				p.metrics.PublishErrors.Inc()
				p.log.Warn().
					Err(err).
					Uint64("txn_version", n.TxnVersion).
					Str("event_type", n.EventType).
					Msg("notification publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := fmt.Sprintf("econia.book.events.%s.%d", n.EventType, n.MarketID)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the book events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "ECONIA_BOOK_EVENTS",
		Subjects:  []string{"econia.book.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create book events stream: %w", err)
	}
	return nil
}
