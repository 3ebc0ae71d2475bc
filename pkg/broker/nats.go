package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

// NATSBroker is the JetStream backend. A work-queue stream holds one
// message per task uuid (Nats-Msg-Id dedup), and a durable pull consumer
// with explicit acks gives at-least-once delivery across processes.
type NATSBroker struct {
	conn     *nats.Conn
	consumer jetstream.Consumer
	subject  string
}

// NewNATSBroker connects and provisions the stream and durable consumer.
func NewNATSBroker(cfg config.NATSConfig) (*NATSBroker, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("codebot"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    -1,
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create consumer %s: %w", cfg.Durable, err)
	}

	return &NATSBroker{conn: conn, consumer: consumer, subject: cfg.Subject}, nil
}

// Enqueue publishes the envelope with the task uuid as message id, so a
// second live enqueue of the same task is deduplicated by the server.
func (b *NATSBroker) Enqueue(ctx context.Context, env models.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	js, err := jetstream.New(b.conn)
	if err != nil {
		return fmt.Errorf("failed to get jetstream context: %w", err)
	}
	ack, err := js.Publish(ctx, b.subject, payload, jetstream.WithMsgID(env.UUID))
	if err != nil {
		return fmt.Errorf("failed to publish task %s: %w", env.UUID, err)
	}
	if ack.Duplicate {
		return fmt.Errorf("task %s: %w", env.UUID, ErrDuplicate)
	}
	return nil
}

type natsHandle struct {
	msg jetstream.Msg
}

// Get fetches one message, waiting up to timeout. The fetch is chunked so
// the stop channel is observed between waits.
func (b *NATSBroker) Get(ctx context.Context, timeout time.Duration, stop <-chan struct{}) (*Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stop:
			return nil, ErrStopped
		default:
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrNoMessage
		}
		if wait > 5*time.Second {
			wait = 5 * time.Second
		}

		batch, err := b.consumer.Fetch(1, jetstream.FetchMaxWait(wait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, fmt.Errorf("failed to fetch from consumer: %w", err)
		}
		for msg := range batch.Messages() {
			var env models.Envelope
			if err := json.Unmarshal(msg.Data(), &env); err != nil {
				_ = msg.Term()
				continue
			}
			attempts := 1
			if meta, err := msg.Metadata(); err == nil {
				attempts = int(meta.NumDelivered)
			}
			return &Delivery{Envelope: env, Attempts: attempts, handle: natsHandle{msg: msg}}, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("fetch batch failed: %w", err)
		}
	}
}

// Ack acknowledges the delivery.
func (b *NATSBroker) Ack(_ context.Context, d *Delivery) error {
	h, ok := d.handle.(natsHandle)
	if !ok {
		return fmt.Errorf("delivery does not belong to the NATS broker")
	}
	if err := h.msg.Ack(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack requests redelivery.
func (b *NATSBroker) Nack(_ context.Context, d *Delivery) error {
	h, ok := d.handle.(natsHandle)
	if !ok {
		return fmt.Errorf("delivery does not belong to the NATS broker")
	}
	if err := h.msg.Nak(); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// Close drains the connection.
func (b *NATSBroker) Close() error {
	b.conn.Close()
	return nil
}
