package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"fallsentry/internal/clock"
	"fallsentry/internal/config"
	"fallsentry/internal/events"
	"fallsentry/internal/lifecycle"
	"fallsentry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Coordinator 升级协调器
// 事件驱动（创建即 critical、反复触发）+ 定时巡检（确认超时）两条路径；
// 通过管理器的报警级锁串行裁决，终态报警绝不升级。
// 已达最高级别的报警每种原因最多产生一条升级记录（stop-after-first）
type Coordinator struct {
	cfg     *config.Config
	manager *lifecycle.Manager
	bus     *events.Bus
	clk     clock.Clock
	logger  *zap.Logger

	mu             sync.Mutex
	timeoutFired   map[string]bool // alert_id → 已产生 unacknowledged_timeout 记录
	emergencyFired map[string]bool // alert_id → 已触发 EmergencyTriggered
	repeatFired    map[string]bool // alert_id → 已产生 repeat_offense 记录
	records        []models.EscalationRecord
}

// NewCoordinator 创建升级协调器
func NewCoordinator(cfg *config.Config, manager *lifecycle.Manager, bus *events.Bus, clk clock.Clock, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:            cfg,
		manager:        manager,
		bus:            bus,
		clk:            clk,
		logger:         logger,
		timeoutFired:   make(map[string]bool),
		emergencyFired: make(map[string]bool),
		repeatFired:    make(map[string]bool),
	}
}

// Run 消费总线事件并定时巡检（阻塞直到 ctx 取消）
func (c *Coordinator) Run(ctx context.Context, sub <-chan events.Event) {
	interval := time.Duration(c.cfg.Escalation.TickIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Escalation coordinator started",
		zap.Int("tick_interval_sec", c.cfg.Escalation.TickIntervalSec),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Escalation coordinator stopped")
			return
		case <-ticker.C:
			c.Tick()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			c.OnEvent(ev)
		}
	}
}

// OnEvent 处理一条报警事件
func (c *Coordinator) OnEvent(ev events.Event) {
	switch typed := ev.(type) {
	case events.AlertCreated:
		c.onAlertCreated(typed.Alert)
	case events.AlertEscalated:
		c.onAlertEscalated(typed)
	case events.AlertResolved:
		c.cleanup(typed.AlertID)
	case events.AlertFalsePositive:
		c.cleanup(typed.AlertID)
	}
}

// onAlertCreated 创建即 critical 的报警立即触发紧急响应；
// 同一房间窗口内反复触发达到阈值时记录 repeat_offense
func (c *Coordinator) onAlertCreated(alert models.Alert) {
	if alert.Severity == models.SeverityCritical {
		c.triggerEmergency(alert, models.ReasonSeverityCritical)
	}

	if alert.RoomID != "" && c.manager.PriorIncidents(alert.RoomID) >= c.cfg.Escalation.RepeatOffenseCount {
		c.mu.Lock()
		already := c.repeatFired[alert.ID]
		c.repeatFired[alert.ID] = true
		c.mu.Unlock()
		if !already {
			c.record(alert.ID, models.ReasonRepeatOffense)
			c.triggerEmergency(alert, models.ReasonRepeatOffense)
		}
	}
}

// onAlertEscalated 升级到 critical 的报警触发紧急响应（每个报警一次）
func (c *Coordinator) onAlertEscalated(ev events.AlertEscalated) {
	if ev.NewSeverity != models.SeverityCritical {
		return
	}
	alert, err := c.manager.Get(ev.AlertID)
	if err != nil || !alert.Status.IsActive() {
		return
	}
	c.triggerEmergency(alert, models.ReasonUnacknowledgedTimeout)
}

// Tick 巡检：detected 状态超过按级别配置的确认超时 → 升级并记录
func (c *Coordinator) Tick() {
	now := c.clk.Now()

	for _, alert := range c.manager.GetActive(lifecycle.Filter{Status: models.StatusDetected}) {
		timeoutSec := c.cfg.AckTimeoutFor(alert.Severity)
		if timeoutSec <= 0 {
			continue
		}
		if now.Sub(alert.DetectedAt) < time.Duration(timeoutSec)*time.Second {
			continue
		}

		c.mu.Lock()
		already := c.timeoutFired[alert.ID]
		c.timeoutFired[alert.ID] = true
		c.mu.Unlock()
		if already {
			// 最高级别封顶后不再重复产生记录
			continue
		}

		// 管理器在报警锁内复核状态：若巡检期间已 resolve，这里拿到
		// InvalidTransition，放弃升级且不产生记录
		newSeverity, changed, err := c.manager.Escalate(alert.ID)
		if err != nil {
			if !errors.Is(err, models.ErrInvalidTransition) && !errors.Is(err, models.ErrNotFound) {
				c.logger.Error("Failed to escalate alert",
					zap.String("alert_id", alert.ID),
					zap.Error(err),
				)
			}
			c.mu.Lock()
			delete(c.timeoutFired, alert.ID)
			c.mu.Unlock()
			continue
		}

		c.record(alert.ID, models.ReasonUnacknowledgedTimeout)
		if !changed && newSeverity == models.SeverityCritical {
			// 已是 critical：级别无变化，仍通知一次超时升级
			c.bus.Publish(events.AlertEscalated{
				AlertID:     alert.ID,
				NewSeverity: models.SeverityCritical,
				At:          now,
			})
		}
		c.logger.Warn("Alert escalated on acknowledgment timeout",
			zap.String("alert_id", alert.ID),
			zap.String("severity", string(newSeverity)),
			zap.Int("timeout_sec", timeoutSec),
		)
	}
}

// Records 返回升级记录快照（持久化历史由仓库层提供）
func (c *Coordinator) Records() []models.EscalationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EscalationRecord, len(c.records))
	copy(out, c.records)
	return out
}

// triggerEmergency 触发紧急响应事件（每个报警最多一次）并记录原因
func (c *Coordinator) triggerEmergency(alert models.Alert, reason models.EscalationReason) {
	c.mu.Lock()
	already := c.emergencyFired[alert.ID]
	c.emergencyFired[alert.ID] = true
	c.mu.Unlock()
	if already {
		return
	}

	now := c.clk.Now()
	c.bus.Publish(events.EmergencyTriggered{
		AlertID:     alert.ID,
		RoomID:      alert.RoomID,
		Floor:       alert.Floor,
		Coordinates: alert.Coordinates,
		Severity:    alert.Severity,
		At:          now,
	})
	if reason == models.ReasonSeverityCritical {
		c.record(alert.ID, reason)
	}
	c.logger.Warn("Emergency triggered",
		zap.String("alert_id", alert.ID),
		zap.String("room_id", alert.RoomID),
		zap.String("reason", string(reason)),
	)
}

// record 创建一条不可变升级记录并发布
func (c *Coordinator) record(alertID string, reason models.EscalationReason) {
	rec := models.EscalationRecord{
		RecordID:        uuid.New().String(),
		AlertID:         alertID,
		TriggeredAt:     c.clk.Now(),
		Reason:          reason,
		NotifiedTargets: c.cfg.Escalation.NotifyTargets,
	}

	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()

	c.bus.Publish(events.EscalationRecorded{Record: rec})
}

// cleanup 报警进入终态后清理幂等标记（记录本身保留）
func (c *Coordinator) cleanup(alertID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timeoutFired, alertID)
	delete(c.emergencyFired, alertID)
	delete(c.repeatFired, alertID)
}
