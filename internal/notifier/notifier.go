// Package notifier delivers order events to kafka through an outbox: the
// lifecycle engine appends events after the order mutation commits, and a
// poller publishes pending rows with bounded retries. A broken broker only
// delays notifications, it never fails or rolls back an order.
package notifier

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"dostava/internal/kafka"
	"dostava/internal/repository"
)

// Outbox satisfies lifecycle.Recorder by appending to the outbox table.
type Outbox struct {
	repo repository.OutboxRepository
}

func NewOutbox(repo repository.OutboxRepository) *Outbox {
	return &Outbox{repo: repo}
}

func (o *Outbox) Record(ctx context.Context, kind string, orderID uuid.UUID, payload []byte) error {
	return o.repo.Append(ctx, kind, orderID, payload)
}

type envelope struct {
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	OrderID   string          `json:"order_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Poller struct {
	repo         repository.OutboxRepository
	producer     kafka.Producer
	topic        string
	pollInterval time.Duration
	limit        int
	maxAttempts  int
	retryDelay   time.Duration
}

func NewPoller(repo repository.OutboxRepository, producer kafka.Producer, topic string, pollInterval time.Duration, limit int) *Poller {
	return &Poller{
		repo:         repo,
		producer:     producer,
		topic:        topic,
		pollInterval: pollInterval,
		limit:        limit,
		maxAttempts:  3,
		retryDelay:   2 * time.Second,
	}
}

func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishPending(ctx)
		}
	}
}

func (p *Poller) publishPending(ctx context.Context) {
	events, err := p.repo.Pending(ctx, p.limit, p.maxAttempts)
	if err != nil {
		log.Printf("Error fetching pending events: %v", err)
		return
	}
	for _, event := range events {
		if err := p.repo.MarkProcessing(ctx, event.ID); err != nil {
			log.Printf("Error marking event %d as PROCESSING: %v", event.ID, err)
			continue
		}

		msg, err := json.Marshal(envelope{
			EventID:   event.EventID.String(),
			Kind:      event.Kind,
			OrderID:   event.OrderID.String(),
			Payload:   event.Payload,
			CreatedAt: event.CreatedAt,
		})
		if err != nil {
			log.Printf("Error marshalling event %d: %v", event.ID, err)
			continue
		}

		if err := p.producer.Publish(p.topic, event.OrderID.String(), msg); err != nil {
			p.fail(ctx, event, err)
			continue
		}
		if err := p.repo.Delete(ctx, event.ID); err != nil {
			log.Printf("Error deleting event %d after publish: %v", event.ID, err)
		}
	}
}

func (p *Poller) fail(ctx context.Context, event *repository.Event, cause error) {
	newAttempt := event.AttemptCount + 1
	newStatus := repository.EventStatusFailed
	if newAttempt >= p.maxAttempts {
		newStatus = repository.EventStatusNoAttemptsLeft
	}
	nextAttempt := time.Now().Add(p.retryDelay)
	if err := p.repo.MarkFailure(ctx, event.ID, newAttempt, newStatus, nextAttempt); err != nil {
		log.Printf("Error updating event %d on failure: %v", event.ID, err)
	}
	log.Printf("Failed to publish event %d: %v", event.ID, cause)
}
