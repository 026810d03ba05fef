package riskmap

import (
	"context"
	"sync"
	"time"

	"fallsentry/internal/clock"
	"fallsentry/internal/config"
	"fallsentry/internal/events"
	"fallsentry/internal/models"

	"go.uber.org/zap"
)

// incidentStamp 事件戳（用于窗口化计数和误报撤销）
type incidentStamp struct {
	alertID  string
	severity models.Severity
	at       time.Time
}

// Engine 风险聚合引擎
// 独占持有区域运行态；报警创建/误报事件驱动更新，周期性衰减；
// 热力图读取是纯快照，绝不修改状态
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	zones     map[string]*models.Zone     // zone_id → 区域
	byFloor   map[int][]string            // floor → zone_id 列表
	stamps    map[string][]incidentStamp  // zone_id → 事件戳
	alertZone map[string][]string         // alert_id → 命中的 zone_id 列表（误报撤销用）
	unzoned   map[int][]incidentStamp     // floor → 未匹配区域的事件戳
}

// NewEngine 创建风险聚合引擎并载入区域定义
func NewEngine(cfg *config.Config, zones []models.Zone, clk clock.Clock, logger *zap.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		zones:     make(map[string]*models.Zone),
		byFloor:   make(map[int][]string),
		stamps:    make(map[string][]incidentStamp),
		alertZone: make(map[string][]string),
		unzoned:   make(map[int][]incidentStamp),
	}
	for i := range zones {
		zone := zones[i]
		e.zones[zone.ID] = &zone
		e.byFloor[zone.Floor] = append(e.byFloor[zone.Floor], zone.ID)
	}
	return e
}

// Run 消费总线事件并驱动周期性衰减（阻塞直到 ctx 取消）
func (e *Engine) Run(ctx context.Context, sub <-chan events.Event) {
	interval := decayInterval(e.cfg.Risk.DecayPeriod)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Risk aggregation engine started",
		zap.Int("zone_count", len(e.zones)),
		zap.String("decay_period", e.cfg.Risk.DecayPeriod),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Risk aggregation engine stopped")
			return
		case <-ticker.C:
			e.DecayTick()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			e.OnEvent(ev)
		}
	}
}

// OnEvent 处理一条报警事件
func (e *Engine) OnEvent(ev events.Event) {
	switch typed := ev.(type) {
	case events.AlertCreated:
		e.applyCreated(typed.Alert)
	case events.AlertFalsePositive:
		e.applyFalsePositive(typed.AlertID)
	}
}

// applyCreated 报警创建：命中区域计数+1，风险按级别加权增加（100 封顶）
func (e *Engine) applyCreated(alert models.Alert) {
	now := e.clk.Now()
	weight := e.cfg.RiskWeightFor(alert.Severity)
	stamp := incidentStamp{alertID: alert.ID, severity: alert.Severity, at: now}

	e.mu.Lock()
	defer e.mu.Unlock()

	matched := false
	for _, zoneID := range e.byFloor[alert.Floor] {
		zone := e.zones[zoneID]
		if !zone.Bounds.Contains(alert.Coordinates) {
			continue
		}
		matched = true
		zone.RiskLevel += weight
		if zone.RiskLevel > 100 {
			zone.RiskLevel = 100
		}
		zone.LastUpdated = now
		e.stamps[zoneID] = append(e.stamps[zoneID], stamp)
		e.alertZone[alert.ID] = append(e.alertZone[alert.ID], zoneID)
	}

	if !matched {
		// 未落入任何区域：仅记录观测计数，不抬升风险
		e.unzoned[alert.Floor] = append(e.unzoned[alert.Floor], stamp)
		e.logger.Debug("Alert coordinates matched no zone",
			zap.String("alert_id", alert.ID),
			zap.Int("floor", alert.Floor),
			zap.Float64("x", alert.Coordinates.X),
			zap.Float64("y", alert.Coordinates.Y),
		)
	}
}

// applyFalsePositive 误报：对命中区域做小幅负向修正，并撤销其窗口计数
// （抵消过度敏感的摄像头噪声）
func (e *Engine) applyFalsePositive(alertID string) {
	correction := e.cfg.Risk.FalsePositiveCorrection
	now := e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	zoneIDs, ok := e.alertZone[alertID]
	if !ok {
		return
	}
	for _, zoneID := range zoneIDs {
		zone := e.zones[zoneID]
		zone.RiskLevel -= correction
		if zone.RiskLevel < 0 {
			zone.RiskLevel = 0
		}
		zone.LastUpdated = now

		kept := e.stamps[zoneID][:0]
		for _, stamp := range e.stamps[zoneID] {
			if stamp.alertID != alertID {
				kept = append(kept, stamp)
			}
		}
		e.stamps[zoneID] = kept
	}
	delete(e.alertZone, alertID)
}

// DecayTick 周期衰减：风险乘以衰减因子，清理超过最大窗口的事件戳
func (e *Engine) DecayTick() {
	factor := e.cfg.DecayFactor()
	cutoff := e.clk.Now().Add(-models.PeriodMonth.Window())

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, zone := range e.zones {
		zone.RiskLevel *= factor
		if zone.RiskLevel < 0.01 {
			zone.RiskLevel = 0
		}
	}

	for zoneID, stamps := range e.stamps {
		kept := stamps[:0]
		for _, stamp := range stamps {
			if stamp.at.After(cutoff) {
				kept = append(kept, stamp)
			}
		}
		e.stamps[zoneID] = kept
	}
	for floor, stamps := range e.unzoned {
		kept := stamps[:0]
		for _, stamp := range stamps {
			if stamp.at.After(cutoff) {
				kept = append(kept, stamp)
			}
		}
		e.unzoned[floor] = kept
	}
}

// HeatMap 生成楼层热力图快照（纯读取，事件计数按请求周期窗口化）
func (e *Engine) HeatMap(floor int, period models.HeatMapPeriod) models.HeatMap {
	if !period.IsValid() {
		period = models.PeriodDay
	}
	now := e.clk.Now()
	cutoff := now.Add(-period.Window())

	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot := models.HeatMap{
		Floor:       floor,
		Period:      period,
		GeneratedAt: now,
	}

	for _, zoneID := range e.byFloor[floor] {
		zone := e.zones[zoneID]
		copied := *zone
		copied.IncidentCount = countInWindow(e.stamps[zoneID], cutoff)
		snapshot.Zones = append(snapshot.Zones, copied)
	}
	snapshot.UnzonedIncidents = countInWindow(e.unzoned[floor], cutoff)

	return snapshot
}

// ZoneSnapshot 获取单个区域快照（窗口计数按天）
func (e *Engine) ZoneSnapshot(zoneID string) (models.Zone, bool) {
	cutoff := e.clk.Now().Add(-models.PeriodDay.Window())

	e.mu.RLock()
	defer e.mu.RUnlock()
	zone, ok := e.zones[zoneID]
	if !ok {
		return models.Zone{}, false
	}
	copied := *zone
	copied.IncidentCount = countInWindow(e.stamps[zoneID], cutoff)
	return copied, true
}

// countInWindow 统计窗口内的事件戳数
func countInWindow(stamps []incidentStamp, cutoff time.Time) int {
	count := 0
	for _, stamp := range stamps {
		if stamp.at.After(cutoff) {
			count++
		}
	}
	return count
}

// decayInterval 衰减周期对应的 tick 间隔
func decayInterval(period string) time.Duration {
	switch period {
	case "day":
		return 24 * time.Hour
	case "week":
		return 7 * 24 * time.Hour
	case "month":
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}
