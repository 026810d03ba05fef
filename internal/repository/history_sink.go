package repository

import (
	"context"
	"errors"
	"time"

	"fallsentry/internal/events"
	"fallsentry/internal/models"

	"go.uber.org/zap"
)

// HistorySink 报警历史落库器
// 订阅报警事件流并异步写入 PostgreSQL。同一报警的事件在订阅通道内
// 天然有序，创建先于状态更新到达
type HistorySink struct {
	repo     *AlertHistoryRepository
	tenantID string
	logger   *zap.Logger
}

// NewHistorySink 创建落库器
func NewHistorySink(repo *AlertHistoryRepository, tenantID string, logger *zap.Logger) *HistorySink {
	return &HistorySink{
		repo:     repo,
		tenantID: tenantID,
		logger:   logger,
	}
}

// Run 消费事件并落库（阻塞直到 ctx 取消）
func (s *HistorySink) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := s.persist(ctx, ev); err != nil {
				s.logger.Error("Failed to persist alert event",
					zap.String("event_type", string(ev.EventType())),
					zap.Error(err),
				)
			}
		}
	}
}

// persist 处理单条事件
func (s *HistorySink) persist(ctx context.Context, ev events.Event) error {
	switch typed := ev.(type) {
	case events.AlertCreated:
		return s.repo.CreateAlert(ctx, s.tenantID, &typed.Alert)

	case events.AlertAcknowledged:
		return s.update(ctx, typed.AlertID, map[string]interface{}{
			"status":          string(models.StatusAcknowledged),
			"acknowledged_by": typed.UserID,
			"acknowledged_at": typed.At,
		})

	case events.AlertResponding:
		return s.update(ctx, typed.AlertID, map[string]interface{}{
			"status":        string(models.StatusResponding),
			"responding_by": typed.UserID,
		})

	case events.AlertResolved:
		return s.update(ctx, typed.AlertID, map[string]interface{}{
			"status":                string(models.StatusResolved),
			"resolved_by":           typed.UserID,
			"resolved_at":           typed.At,
			"response_time_seconds": typed.ResponseTimeSeconds,
		})

	case events.AlertFalsePositive:
		return s.update(ctx, typed.AlertID, map[string]interface{}{
			"status": string(models.StatusFalsePositive),
			"notes":  typed.Notes,
		})

	case events.AlertEscalated:
		return s.update(ctx, typed.AlertID, map[string]interface{}{
			"severity": string(typed.NewSeverity),
		})

	case events.EscalationRecorded:
		return s.repo.CreateEscalationRecord(ctx, s.tenantID, &typed.Record)
	}

	// EmergencyTriggered 等通知类事件不落库
	return nil
}

// update 带一次重试的状态更新（落库协程可能短暂落后于创建事务提交）
func (s *HistorySink) update(ctx context.Context, alertID string, updates map[string]interface{}) error {
	err := s.repo.UpdateAlertStatus(ctx, s.tenantID, alertID, updates)
	if err == nil || !errors.Is(err, models.ErrNotFound) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return s.repo.UpdateAlertStatus(ctx, s.tenantID, alertID, updates)
}
