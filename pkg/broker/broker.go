// Package broker moves task envelopes from the producer to consumers with
// at-least-once delivery. Two backends are available: a queue table in the
// task index database (default, no extra infrastructure) and NATS JetStream
// for deployments that already run NATS.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/database"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

var (
	// ErrNoMessage indicates Get timed out with nothing to deliver.
	ErrNoMessage = errors.New("no message available")

	// ErrDuplicate indicates the task already has a live delivery in the
	// queue, pending or in flight.
	ErrDuplicate = errors.New("task already enqueued")

	// ErrStopped indicates Get returned early because the stop channel
	// closed.
	ErrStopped = errors.New("broker receive interrupted")
)

// Delivery is one received message plus the backend handle needed to ack
// or nack it.
type Delivery struct {
	Envelope models.Envelope

	// Attempts counts deliveries of this message including this one.
	// Greater than 1 means a redelivery after a consumer crash or nack.
	Attempts int

	handle any
}

// Redelivered reports whether this message was delivered before.
func (d *Delivery) Redelivered() bool { return d.Attempts > 1 }

// Broker is the producer/consumer transport.
type Broker interface {
	// Enqueue publishes an envelope. Returns ErrDuplicate when the task
	// uuid already has a live delivery.
	Enqueue(ctx context.Context, env models.Envelope) error

	// Get blocks up to timeout for the next message, polling the backend
	// and the stop channel. Returns ErrNoMessage on timeout and ErrStopped
	// when stop closes first.
	Get(ctx context.Context, timeout time.Duration, stop <-chan struct{}) (*Delivery, error)

	// Ack removes the message permanently. Called only after the task's
	// terminal state is durable.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns the message to the queue for redelivery.
	Nack(ctx context.Context, d *Delivery) error

	Close() error
}

// New builds the broker selected by the config.
func New(cfg config.BrokerConfig, client *database.Client) (Broker, error) {
	switch cfg.Backend {
	case "", "database":
		if client == nil {
			return nil, fmt.Errorf("database broker requires a database client")
		}
		return NewDBBroker(client, cfg.VisibilityTimeout()), nil
	case "nats":
		return NewNATSBroker(cfg.NATS)
	default:
		return nil, fmt.Errorf("unsupported broker backend %q", cfg.Backend)
	}
}
