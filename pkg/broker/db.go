package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/database"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

const defaultPollInterval = 500 * time.Millisecond

// DBBroker is the queue-table backend. Claims are optimistic: a candidate
// row is selected, then updated with a guard on its previous state, and a
// zero rows-affected result means another consumer won the race. Claimed
// rows whose claim is older than the visibility timeout are redelivered.
type DBBroker struct {
	client       *database.Client
	visibility   time.Duration
	pollInterval time.Duration
	claimedBy    string
}

// NewDBBroker creates the database-backed broker.
func NewDBBroker(client *database.Client, visibility time.Duration) *DBBroker {
	hostname, _ := os.Hostname()
	return &DBBroker{
		client:       client,
		visibility:   visibility,
		pollInterval: defaultPollInterval,
		claimedBy:    fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	}
}

// Enqueue inserts a pending row. The partial unique index on live uuids
// turns a duplicate into a constraint violation, reported as ErrDuplicate.
func (b *DBBroker) Enqueue(ctx context.Context, env models.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	query := b.client.Rebind(`INSERT INTO queue_messages (uuid, payload, status, enqueued_at)
		VALUES (?, ?, 'pending', ?)`)
	_, err = b.client.DB().ExecContext(ctx, query, env.UUID, string(payload), time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", env.UUID, ErrDuplicate)
		}
		return fmt.Errorf("failed to enqueue task %s: %w", env.UUID, err)
	}
	return nil
}

// Get polls for the next deliverable message until timeout, stop, or
// context cancellation.
func (b *DBBroker) Get(ctx context.Context, timeout time.Duration, stop <-chan struct{}) (*Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		d, err := b.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stop:
			return nil, ErrStopped
		case <-time.After(b.jitteredPoll()):
		}
	}
}

type dbHandle struct {
	id int64
}

// tryClaim selects one candidate and races for it with a guarded update.
// Returns nil, nil when the queue is empty or another consumer won.
func (b *DBBroker) tryClaim(ctx context.Context) (*Delivery, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-b.visibility)

	var (
		id       int64
		payload  string
		status   string
		attempts int
	)
	selectQ := b.client.Rebind(`SELECT id, payload, status, attempts FROM queue_messages
		WHERE status = 'pending' OR (status = 'in_flight' AND claimed_at < ?)
		ORDER BY id LIMIT 1`)
	err := b.client.DB().QueryRowContext(ctx, selectQ, staleBefore).
		Scan(&id, &payload, &status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select queue candidate: %w", err)
	}

	claimQ := b.client.Rebind(`UPDATE queue_messages
		SET status = 'in_flight', claimed_at = ?, claimed_by = ?, attempts = attempts + 1
		WHERE id = ? AND (status = 'pending' OR (status = 'in_flight' AND claimed_at < ?))`)
	res, err := b.client.DB().ExecContext(ctx, claimQ, now, b.claimedBy, id, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result for message %d: %w", id, err)
	}
	if n == 0 {
		// Lost the race; the caller will poll again.
		return nil, nil
	}

	var env models.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		// Poison message: drop it rather than redeliver forever.
		slog.Error("Dropping undecodable queue message", "id", id, "error", err)
		if _, delErr := b.client.DB().ExecContext(ctx,
			b.client.Rebind("DELETE FROM queue_messages WHERE id = ?"), id); delErr != nil {
			slog.Warn("Failed to delete poison message", "id", id, "error", delErr)
		}
		return nil, nil
	}

	if status == "in_flight" {
		slog.Warn("Redelivering expired in-flight message",
			"id", id, "uuid", env.UUID, "attempts", attempts+1)
	}

	return &Delivery{
		Envelope: env,
		Attempts: attempts + 1,
		handle:   dbHandle{id: id},
	}, nil
}

// Ack deletes the row. Idempotent: acking a redelivered-and-reclaimed
// message is a no-op.
func (b *DBBroker) Ack(ctx context.Context, d *Delivery) error {
	h, ok := d.handle.(dbHandle)
	if !ok {
		return fmt.Errorf("delivery does not belong to the database broker")
	}
	_, err := b.client.DB().ExecContext(ctx,
		b.client.Rebind("DELETE FROM queue_messages WHERE id = ?"), h.id)
	if err != nil {
		return fmt.Errorf("failed to ack queue message %d: %w", h.id, err)
	}
	return nil
}

// Nack resets the row to pending for immediate redelivery.
func (b *DBBroker) Nack(ctx context.Context, d *Delivery) error {
	h, ok := d.handle.(dbHandle)
	if !ok {
		return fmt.Errorf("delivery does not belong to the database broker")
	}
	query := b.client.Rebind(`UPDATE queue_messages
		SET status = 'pending', claimed_at = NULL, claimed_by = '' WHERE id = ?`)
	_, err := b.client.DB().ExecContext(ctx, query, h.id)
	if err != nil {
		return fmt.Errorf("failed to nack queue message %d: %w", h.id, err)
	}
	return nil
}

// Close is a no-op; the database client is owned by the caller.
func (b *DBBroker) Close() error { return nil }

// jitteredPoll spreads concurrent consumers so they do not hammer the
// queue table in lockstep.
func (b *DBBroker) jitteredPoll() time.Duration {
	half := int64(b.pollInterval / 2)
	return b.pollInterval/2 + time.Duration(rand.Int64N(half+1))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
