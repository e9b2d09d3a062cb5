package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dostava/internal/repository"
)

type fakeOutboxRepo struct {
	nextID int64
	events map[int64]*repository.Event
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{events: make(map[int64]*repository.Event)}
}

func (r *fakeOutboxRepo) Append(_ context.Context, kind string, orderID uuid.UUID, payload []byte) error {
	r.nextID++
	r.events[r.nextID] = &repository.Event{
		ID:        r.nextID,
		EventID:   uuid.New(),
		Kind:      kind,
		OrderID:   orderID,
		Payload:   payload,
		Status:    repository.EventStatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (r *fakeOutboxRepo) Pending(_ context.Context, limit, maxAttempts int) ([]*repository.Event, error) {
	var out []*repository.Event
	for _, e := range r.events {
		if len(out) == limit {
			break
		}
		pending := e.Status == repository.EventStatusCreated || e.Status == repository.EventStatusFailed
		if pending && e.AttemptCount < maxAttempts {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeOutboxRepo) MarkProcessing(_ context.Context, id int64) error {
	r.events[id].Status = repository.EventStatusProcessing
	return nil
}

func (r *fakeOutboxRepo) Delete(_ context.Context, id int64) error {
	delete(r.events, id)
	return nil
}

func (r *fakeOutboxRepo) MarkFailure(_ context.Context, id int64, attemptCount int, status repository.EventStatus, nextAttemptAt time.Time) error {
	e := r.events[id]
	e.AttemptCount = attemptCount
	e.Status = status
	e.NextAttemptAt.Time = nextAttemptAt
	e.NextAttemptAt.Valid = true
	return nil
}

type fakeProducer struct {
	err      error
	messages []struct {
		Topic, Key string
		Message    []byte
	}
}

func (p *fakeProducer) Publish(topic, key string, message []byte) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, struct {
		Topic, Key string
		Message    []byte
	}{topic, key, message})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestOutboxRecordsThroughRepo(t *testing.T) {
	repo := newFakeOutboxRepo()
	outbox := NewOutbox(repo)

	orderID := uuid.New()
	require.NoError(t, outbox.Record(context.Background(), "order_created", orderID, []byte(`{"total_price":"500"}`)))

	events, err := repo.Pending(context.Background(), 10, 3)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "order_created", events[0].Kind)
	assert.Equal(t, orderID, events[0].OrderID)
}

func TestPollerPublishesAndDeletes(t *testing.T) {
	repo := newFakeOutboxRepo()
	producer := &fakeProducer{}
	poller := NewPoller(repo, producer, "order-events", time.Second, 10)

	orderID := uuid.New()
	require.NoError(t, repo.Append(context.Background(), "order_accepted", orderID, []byte(`{"delivery_id":100}`)))

	poller.publishPending(context.Background())

	require.Len(t, producer.messages, 1)
	msg := producer.messages[0]
	assert.Equal(t, "order-events", msg.Topic)
	assert.Equal(t, orderID.String(), msg.Key, "order id keys the partition")

	var env envelope
	require.NoError(t, json.Unmarshal(msg.Message, &env))
	assert.Equal(t, "order_accepted", env.Kind)
	assert.Equal(t, orderID.String(), env.OrderID)
	assert.JSONEq(t, `{"delivery_id":100}`, string(env.Payload))

	assert.Empty(t, repo.events, "published events leave the outbox")
}

func TestPollerRetriesUntilExhausted(t *testing.T) {
	repo := newFakeOutboxRepo()
	producer := &fakeProducer{err: errors.New("broker unreachable")}
	poller := NewPoller(repo, producer, "order-events", time.Second, 10)
	poller.retryDelay = 0

	require.NoError(t, repo.Append(context.Background(), "order_created", uuid.New(), []byte(`{}`)))

	poller.publishPending(context.Background())
	event := repo.events[1]
	assert.Equal(t, repository.EventStatusFailed, event.Status)
	assert.Equal(t, 1, event.AttemptCount)

	poller.publishPending(context.Background())
	poller.publishPending(context.Background())
	assert.Equal(t, repository.EventStatusNoAttemptsLeft, event.Status)
	assert.Equal(t, 3, event.AttemptCount)

	// Exhausted events are no longer offered for publishing.
	poller.publishPending(context.Background())
	assert.Equal(t, 3, event.AttemptCount)
	assert.Len(t, repo.events, 1, "parked event stays for inspection")
}
