package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edutier-api/internal/models"
)

type sinkStub struct {
	mu        sync.Mutex
	delivered []models.DomainEvent
	failures  int
	done      chan struct{}
}

func (s *sinkStub) Notify(_ context.Context, _ string, _ string, payload models.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.delivered = append(s.delivered, payload)
	s.done <- struct{}{}
	return nil
}

type listStub struct {
	key    string
	value  interface{}
	maxLen int64
}

func (l *listStub) Push(_ context.Context, key string, value interface{}, maxLen int64) error {
	l.key, l.value, l.maxLen = key, value, maxLen
	return nil
}

func waitDelivered(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestNotificationDispatcherDelivers(t *testing.T) {
	sink := &sinkStub{done: make(chan struct{}, 1)}
	dispatcher := NewNotificationDispatcher(sink, nil, nil, NotificationDispatcherConfig{Workers: 1, BufferSize: 4})
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	dispatcher.Publish(models.DomainEvent{ID: "evt-1", Type: "approval_request.approved", TargetUserID: "u-1"})
	waitDelivered(t, sink.done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.delivered, 1)
	assert.Equal(t, "evt-1", sink.delivered[0].ID)
}

func TestNotificationDispatcherRetriesFailedDelivery(t *testing.T) {
	sink := &sinkStub{failures: 1, done: make(chan struct{}, 1)}
	dispatcher := NewNotificationDispatcher(sink, nil, nil, NotificationDispatcherConfig{
		Workers:    1,
		BufferSize: 4,
		MaxRetries: 2,
		RetryDelay: 10 * time.Millisecond,
	})
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	dispatcher.Publish(models.DomainEvent{ID: "evt-2", Type: "institution.verified", TargetUserID: "u-2"})
	waitDelivered(t, sink.done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.delivered, 1)
}

func TestNotificationDispatcherDropsWhenStopped(t *testing.T) {
	sink := &sinkStub{done: make(chan struct{}, 1)}
	dispatcher := NewNotificationDispatcher(sink, nil, nil, NotificationDispatcherConfig{})

	assert.NotPanics(t, func() {
		dispatcher.Publish(models.DomainEvent{ID: "evt-3", TargetUserID: "u-3"})
	})
	assert.Zero(t, dispatcher.Stats().Processed)
}

func TestNotificationDispatcherSkipsEventsWithoutRecipient(t *testing.T) {
	sink := &sinkStub{done: make(chan struct{}, 1)}
	dispatcher := NewNotificationDispatcher(sink, nil, nil, NotificationDispatcherConfig{Workers: 1, BufferSize: 4})
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	dispatcher.Publish(models.DomainEvent{ID: "evt-5", Type: "institution.pending"})
	dispatcher.Publish(models.DomainEvent{ID: "evt-6", Type: "institution.verified", TargetUserID: "u-6"})
	waitDelivered(t, sink.done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.delivered, 1)
	assert.Equal(t, "evt-6", sink.delivered[0].ID)
}

func TestRedisNotificationSinkPushesOutboxEntry(t *testing.T) {
	list := &listStub{}
	sink := NewRedisNotificationSink(list, "")
	event := models.DomainEvent{ID: "evt-4", Type: "user.inactive", TargetUserID: "u-9"}

	require.NoError(t, sink.Notify(context.Background(), event.Type, event.TargetUserID, event))
	assert.Equal(t, "notifications:outbox", list.key)
	assert.Equal(t, int64(outboxMaxLen), list.maxLen)
	entry, ok := list.value.(outboxEntry)
	require.True(t, ok)
	assert.Equal(t, "u-9", entry.TargetUserID)
	assert.Equal(t, "evt-4", entry.Event.ID)
}
