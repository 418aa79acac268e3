package events

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/store"
)

const (
	dispatchBatch = 100
	retryBackoff  = 10 * time.Second
	idleDelay     = 500 * time.Millisecond
)

// Outbox is the durable queue behind OutboxPublisher and Dispatcher.
type Outbox interface {
	EnqueueOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id string) error
	MarkOutboxRetry(ctx context.Context, id string, backoff time.Duration) error
}

// OutboxPublisher records events for the dispatcher instead of sending them directly.
type OutboxPublisher struct {
	outbox Outbox
}

func NewOutboxPublisher(outbox Outbox) *OutboxPublisher {
	return &OutboxPublisher{outbox: outbox}
}

func (p *OutboxPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return p.outbox.EnqueueOutbox(ctx, event.Subject(), string(event.Kind), payload, event.MsgID())
}

// StreamPublisher delivers outbox rows to a durable stream.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into a stream publisher.
type Dispatcher struct {
	outbox Outbox
	stream StreamPublisher
}

func NewDispatcher(outbox Outbox, stream StreamPublisher) *Dispatcher {
	return &Dispatcher{outbox: outbox, stream: stream}
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)

		delay := time.Duration(0)

		switch {
		case err != nil:
			logrus.WithError(err).Error("Failed to dequeue outbox")
			delay = time.Second

		case n == 0:
			delay = idleDelay
		}

		select {
		case <-ctx.Done():
			return

		case <-time.After(delay):
		}
	}
}

// DispatchOnce publishes one batch of due messages and returns how many it attempted.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, dispatchBatch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		log := logrus.WithFields(logrus.Fields{"id": msg.ID, "subject": msg.Subject})

		if err := d.stream.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.WithError(err).Warn("Failed to publish outbox message")

			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, retryBackoff); err != nil {
				log.WithError(err).Error("Failed to schedule outbox retry")
			}

			continue
		}

		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.WithError(err).Error("Failed to mark outbox message published")
		}
	}

	return len(messages), nil
}
