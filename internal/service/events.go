package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/campuskit/approval-api/internal/models"
	"github.com/campuskit/approval-api/pkg/jobs"
)

// EventPublisher is the narrow external publication capability. Failures are
// the publisher's problem; callers never roll back on a failed publish.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// AuditEvent is the payload published for critical audit actions.
type AuditEvent struct {
	ApprovalRequestID string             `json:"approval_request_id"`
	Action            models.AuditAction `json:"action"`
	ActorID           string             `json:"actor_id"`
	ActorRole         string             `json:"actor_role"`
	Comment           string             `json:"comment,omitempty"`
	OccurredAt        time.Time          `json:"occurred_at"`
}

// notificationSink records that an event left the system. Satisfied by the
// audit service itself.
type notificationSink interface {
	LogNotificationSent(ctx context.Context, requestID, channel string) error
}

// NotificationDispatcher pushes critical audit events to the external
// publisher on a worker queue, decoupled from the audit write path.
type NotificationDispatcher struct {
	publisher EventPublisher
	topic     string
	sink      notificationSink
	queue     *jobs.Queue
	logger    *zap.Logger
}

// NewNotificationDispatcher wires the dispatcher and its queue.
func NewNotificationDispatcher(publisher EventPublisher, topic string, workers, retries int, logger *zap.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &NotificationDispatcher{
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
	d.queue = jobs.NewQueue("audit-notifications", d.handle, jobs.QueueConfig{
		Workers:    workers,
		MaxRetries: retries,
		RetryDelay: 2 * time.Second,
		Logger:     logger,
	})
	return d
}

// BindSink attaches the notification-sent recorder. Set after construction
// to break the dispatcher/audit-service cycle.
func (d *NotificationDispatcher) BindSink(sink notificationSink) {
	d.sink = sink
}

// Start launches the dispatch workers.
func (d *NotificationDispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop drains the dispatch workers.
func (d *NotificationDispatcher) Stop() {
	d.queue.Stop()
}

// Dispatch enqueues a critical audit event. Errors are logged and swallowed;
// the audit write that triggered the event has already succeeded.
func (d *NotificationDispatcher) Dispatch(event AuditEvent) {
	if d == nil || d.publisher == nil {
		return
	}
	if err := d.queue.Enqueue(jobs.Job{
		ID:      event.ApprovalRequestID + ":" + string(event.Action),
		Type:    string(event.Action),
		Payload: event,
	}); err != nil {
		d.logger.Warn("failed to enqueue audit event",
			zap.String("request_id", event.ApprovalRequestID),
			zap.String("action", string(event.Action)),
			zap.Error(err))
	}
}

func (d *NotificationDispatcher) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(AuditEvent)
	if !ok {
		d.logger.Warn("unexpected audit event payload", zap.String("job_id", job.ID))
		return nil
	}
	if err := d.publisher.Publish(ctx, d.topic, event); err != nil {
		return err
	}
	if d.sink != nil {
		if err := d.sink.LogNotificationSent(ctx, event.ApprovalRequestID, d.topic); err != nil {
			d.logger.Warn("failed to record notification audit entry",
				zap.String("request_id", event.ApprovalRequestID), zap.Error(err))
		}
	}
	return nil
}
