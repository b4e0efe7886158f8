package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/pkg/jobs"
)

// NotificationSink receives domain events for delivery to users.
type NotificationSink interface {
	Notify(ctx context.Context, eventType, targetUserID string, payload models.DomainEvent) error
}

// EventPublisher hands committed domain events off without blocking the caller.
type EventPublisher interface {
	Publish(event models.DomainEvent)
}

type listPusher interface {
	Push(ctx context.Context, key string, value interface{}, maxLen int64) error
}

const outboxMaxLen = 10000

// RedisNotificationSink appends events to a Redis list consumed by the delivery worker.
type RedisNotificationSink struct {
	list listPusher
	key  string
}

// NewRedisNotificationSink constructs the sink.
func NewRedisNotificationSink(list listPusher, key string) *RedisNotificationSink {
	if key == "" {
		key = "notifications:outbox"
	}
	return &RedisNotificationSink{list: list, key: key}
}

type outboxEntry struct {
	EventType    string             `json:"event_type"`
	TargetUserID string             `json:"target_user_id"`
	Event        models.DomainEvent `json:"event"`
}

// Notify implements NotificationSink.
func (s *RedisNotificationSink) Notify(ctx context.Context, eventType, targetUserID string, payload models.DomainEvent) error {
	return s.list.Push(ctx, s.key, outboxEntry{EventType: eventType, TargetUserID: targetUserID, Event: payload}, outboxMaxLen)
}

// LogNotificationSink writes events to the log when no outbox is configured.
type LogNotificationSink struct {
	logger *zap.Logger
}

// NewLogNotificationSink constructs the sink.
func NewLogNotificationSink(logger *zap.Logger) *LogNotificationSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotificationSink{logger: logger}
}

// Notify implements NotificationSink.
func (s *LogNotificationSink) Notify(_ context.Context, eventType, targetUserID string, payload models.DomainEvent) error {
	s.logger.Info("notification",
		zap.String("event_type", eventType),
		zap.String("target_user_id", targetUserID),
		zap.String("event_id", payload.ID),
		zap.String("entity_id", payload.EntityID),
		zap.String("to", payload.To),
	)
	return nil
}

const notificationJobType = "domain_event"

// NotificationDispatcher delivers events to a sink on a background queue.
type NotificationDispatcher struct {
	queue   *jobs.Queue
	sink    NotificationSink
	metrics *MetricsService
	logger  *zap.Logger
	timeout time.Duration
}

// NotificationDispatcherConfig tunes the worker pool.
type NotificationDispatcherConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewNotificationDispatcher wires the dispatcher; call Start before publishing.
func NewNotificationDispatcher(sink NotificationSink, metrics *MetricsService, logger *zap.Logger, cfg NotificationDispatcherConfig) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &NotificationDispatcher{sink: sink, metrics: metrics, logger: logger, timeout: cfg.Timeout}
	d.queue = jobs.NewQueue("notifications", d.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
		OnGiveUp:   d.giveUp,
	})
	return d
}

// Start launches the workers.
func (d *NotificationDispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop waits for the workers to exit.
func (d *NotificationDispatcher) Stop() {
	d.queue.Stop()
}

// Stats reports queue counters.
func (d *NotificationDispatcher) Stats() jobs.Stats {
	return d.queue.Stats()
}

// Publish enqueues event; a full or stopped queue drops it with a warning.
// Events without a recipient never reach the sink.
func (d *NotificationDispatcher) Publish(event models.DomainEvent) {
	if event.TargetUserID == "" {
		d.metrics.ObserveNotification("unaddressed")
		d.logger.Debug("notification without recipient skipped", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return
	}
	err := d.queue.TryEnqueue(jobs.Job{ID: event.ID, Type: notificationJobType, Payload: event})
	if err == nil {
		return
	}
	d.metrics.ObserveNotification("dropped")
	fields := []zap.Field{zap.String("event_id", event.ID), zap.String("type", event.Type), zap.Error(err)}
	if errors.Is(err, jobs.ErrQueueFull) {
		d.logger.Warn("notification queue full, event dropped", fields...)
		return
	}
	d.logger.Warn("notification not queued", fields...)
}

func (d *NotificationDispatcher) giveUp(job jobs.Job, err error) {
	d.metrics.ObserveNotification("abandoned")
	event, _ := job.Payload.(models.DomainEvent)
	d.logger.Error("notification abandoned",
		zap.String("event_id", job.ID),
		zap.String("type", event.Type),
		zap.String("target_user_id", event.TargetUserID),
		zap.Int("attempts", job.Attempt),
		zap.Error(err),
	)
}

func (d *NotificationDispatcher) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(models.DomainEvent)
	if !ok {
		d.logger.Error("unexpected notification payload", zap.String("job_id", job.ID))
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sink.Notify(ctx, event.Type, event.TargetUserID, event); err != nil {
		d.metrics.ObserveNotification("failed")
		return err
	}
	d.metrics.ObserveNotification("delivered")
	return nil
}
