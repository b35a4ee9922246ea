package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campuskit/approval-api/internal/models"
	"github.com/campuskit/approval-api/pkg/config"
)

// ReminderEvent is published for each request that has sat in PENDING past
// the configured threshold.
type ReminderEvent struct {
	ApprovalRequestID string    `json:"approvalRequestId"`
	ReservationID     string    `json:"reservationId"`
	RequesterID       string    `json:"requesterId"`
	PendingSince      time.Time `json:"pendingSince"`
	PendingHours      int       `json:"pendingHours"`
}

type pendingFinder interface {
	FindPendingOlderThan(ctx context.Context, thresholdHours int) ([]models.ApprovalRequest, error)
}

// ReminderService periodically sweeps for stale PENDING requests and
// publishes reminder events so downstream notification consumers can nudge
// the pending approvers.
type ReminderService struct {
	requests  pendingFinder
	publisher EventPublisher
	cfg       config.RemindersConfig
	topic     string
	logger    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewReminderService constructs the sweeper. It does not start it.
func NewReminderService(requests pendingFinder, publisher EventPublisher, cfg config.RemindersConfig, topic string, logger *zap.Logger) *ReminderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderService{
		requests:  requests,
		publisher: publisher,
		cfg:       cfg,
		topic:     topic,
		logger:    logger,
	}
}

// Start launches the sweep loop. No-op when reminders are disabled or the
// loop is already running.
func (s *ReminderService) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("reminder sweep disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.run(ctx)
	s.logger.Info("reminder sweep started",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Int("threshold_hours", s.cfg.ThresholdHours))
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (s *ReminderService) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *ReminderService) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exposed so admin tooling can trigger it on demand.
func (s *ReminderService) Sweep(ctx context.Context) {
	pending, err := s.requests.FindPendingOlderThan(ctx, s.cfg.ThresholdHours)
	if err != nil {
		s.logger.Error("reminder sweep failed", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	now := time.Now().UTC()
	sent := 0
	for i := range pending {
		request := &pending[i]
		event := ReminderEvent{
			ApprovalRequestID: request.ID,
			ReservationID:     request.ReservationID,
			RequesterID:       request.RequesterID,
			PendingSince:      request.CreatedAt,
			PendingHours:      int(now.Sub(request.CreatedAt).Hours()),
		}
		if err := s.publisher.Publish(ctx, s.topic, event); err != nil {
			s.logger.Warn("failed to publish reminder",
				zap.String("request_id", request.ID), zap.Error(err))
			continue
		}
		sent++
	}
	s.logger.Info("reminder sweep complete",
		zap.Int("stale_pending", len(pending)),
		zap.Int("reminders_sent", sent))
}
