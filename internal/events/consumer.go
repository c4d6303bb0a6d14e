package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Consumer drains the activity event stream and persists entries.
type Consumer struct {
	repo *Repository
	js   jetstream.JetStream
}

// NewConsumer creates a new activity event Consumer.
func NewConsumer(repo *Repository, js jetstream.JetStream) *Consumer {
	return &Consumer{repo: repo, js: js}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, StreamEvents, jetstream.ConsumerConfig{
		Durable:       "activity-persister",
		FilterSubject: SubjectAllEvents,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return err
	}

	slog.Info("activity consumer started", "consumer", "activity-persister")

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("activity consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	var event ActivityEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		slog.Error("activity consumer: unmarshaling event", "error", err)
		_ = msg.Nak()
		return
	}

	log := &ActivityLog{
		ID:           uuid.New(),
		UserID:       event.UserID,
		EventType:    event.EventType,
		Severity:     event.Severity,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		CreatedAt:    event.Timestamp,
	}

	if event.Details != nil {
		if data, err := json.Marshal(event.Details); err == nil {
			log.Details = data
		}
	}

	if err := c.repo.Insert(ctx, log); err != nil {
		slog.Error("activity consumer: persisting entry", "error", err, "event_type", event.EventType)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("activity consumer: persisted event",
		"event_type", event.EventType,
		"user_id", event.UserID,
	)
}
