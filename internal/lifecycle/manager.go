package lifecycle

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"fallsentry/internal/clock"
	"fallsentry/internal/config"
	"fallsentry/internal/events"
	"fallsentry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// lockStripes 归属键锁分片数
const lockStripes = 64

// Filter 报警查询过滤条件
type Filter struct {
	RoomID    string
	SubjectID string
	Floor     *int
	Severity  models.Severity
	Status    models.AlertStatus
}

// Manager 报警生命周期管理器
// 持有权威的报警集合；每个报警仅通过本管理器的操作修改。
// 同一归属键（住户/房间）的操作通过分片锁串行化，不同归属键的摄入可并发
type Manager struct {
	cfg    *config.Config
	bus    *events.Bus
	clk    clock.Clock
	logger *zap.Logger

	stripes [lockStripes]sync.Mutex

	mu          sync.RWMutex
	alerts      map[string]*models.Alert       // alert_id → 报警
	activeByKey map[string]string              // 归属键 → 活跃报警ID（至多一个）
	incidents   map[string]map[string]time.Time // room_id → alert_id → 创建时间（滚动窗口）
}

// NewManager 创建生命周期管理器
func NewManager(cfg *config.Config, bus *events.Bus, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		bus:         bus,
		clk:         clk,
		logger:      logger,
		alerts:      make(map[string]*models.Alert),
		activeByKey: make(map[string]string),
		incidents:   make(map[string]map[string]time.Time),
	}
}

// stripe 返回归属键对应的分片锁
func (m *Manager) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.stripes[h.Sum32()%lockStripes]
}

// Ingest 摄入一条已分类的检测
// 同一归属键已有活跃报警时合并（更新置信度/坐标，级别只升不降，不产生新事件）；
// 否则创建新报警并发布 AlertCreated
func (m *Manager) Ingest(det models.DetectionEvent, severity models.Severity) (models.Alert, bool, error) {
	if err := det.Validate(); err != nil {
		return models.Alert{}, false, fmt.Errorf("invalid detection: %w", err)
	}
	if !severity.IsValid() {
		return models.Alert{}, false, fmt.Errorf("invalid severity: %s", severity)
	}

	key := det.LocalityKey()
	lock := m.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	now := m.clk.Now()

	m.mu.Lock()
	if activeID, ok := m.activeByKey[key]; ok {
		// 合并进已有活跃报警
		alert := m.alerts[activeID]
		alert.Confidence = det.Confidence
		alert.Coordinates = det.Coordinates
		alert.LastSeenAt = now
		alert.Severity = models.MaxSeverity(alert.Severity, severity)
		merged := alert.Clone()
		m.mu.Unlock()

		m.logger.Debug("Detection merged into active alert",
			zap.String("alert_id", merged.ID),
			zap.String("locality_key", key),
		)
		return merged, false, nil
	}

	alert := &models.Alert{
		ID:            uuid.New().String(),
		CameraID:      det.CameraID,
		RoomID:        det.RoomID,
		SubjectID:     det.SubjectID,
		Floor:         det.Floor,
		DetectionType: det.DetectionType,
		DetectedAt:    now,
		LastSeenAt:    now,
		Confidence:    det.Confidence,
		Coordinates:   det.Coordinates,
		Severity:      severity,
		Status:        models.StatusDetected,
	}
	m.alerts[alert.ID] = alert
	m.activeByKey[key] = alert.ID
	if det.RoomID != "" {
		if m.incidents[det.RoomID] == nil {
			m.incidents[det.RoomID] = make(map[string]time.Time)
		}
		m.incidents[det.RoomID][alert.ID] = now
	}
	created := alert.Clone()
	m.mu.Unlock()

	m.bus.Publish(events.AlertCreated{Alert: created})
	m.logger.Info("Alert created",
		zap.String("alert_id", created.ID),
		zap.String("camera_id", created.CameraID),
		zap.String("room_id", created.RoomID),
		zap.String("severity", string(created.Severity)),
		zap.String("detection_type", string(created.DetectionType)),
	)
	return created, true, nil
}

// Acknowledge 确认报警：detected → acknowledged
func (m *Manager) Acknowledge(alertID, userID string) error {
	key, err := m.localityOf(alertID)
	if err != nil {
		return err
	}
	lock := m.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	now := m.clk.Now()

	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("acknowledge %s: %w", alertID, models.ErrNotFound)
	}
	if alert.Status != models.StatusDetected {
		status := alert.Status
		m.mu.Unlock()
		return fmt.Errorf("acknowledge %s from %s: %w", alertID, status, models.ErrInvalidTransition)
	}
	alert.Status = models.StatusAcknowledged
	alert.AcknowledgedBy = userID
	alert.AcknowledgedAt = &now
	m.mu.Unlock()

	m.bus.Publish(events.AlertAcknowledged{AlertID: alertID, UserID: userID, At: now})
	m.logger.Info("Alert acknowledged",
		zap.String("alert_id", alertID),
		zap.String("user_id", userID),
	)
	return nil
}

// AssignResponder 指派响应人员：acknowledged → responding
func (m *Manager) AssignResponder(alertID, userID string) error {
	key, err := m.localityOf(alertID)
	if err != nil {
		return err
	}
	lock := m.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	now := m.clk.Now()

	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("assign responder %s: %w", alertID, models.ErrNotFound)
	}
	if alert.Status != models.StatusAcknowledged {
		status := alert.Status
		m.mu.Unlock()
		return fmt.Errorf("assign responder %s from %s: %w", alertID, status, models.ErrInvalidTransition)
	}
	alert.Status = models.StatusResponding
	alert.RespondingBy = userID
	m.mu.Unlock()

	m.bus.Publish(events.AlertResponding{AlertID: alertID, UserID: userID, At: now})
	m.logger.Info("Responder assigned",
		zap.String("alert_id", alertID),
		zap.String("user_id", userID),
	)
	return nil
}

// Resolve 解决报警：detected/acknowledged/responding → resolved
// 响应时长在此刻冻结：resolvedAt - detectedAt
func (m *Manager) Resolve(alertID, userID, notes string) error {
	key, err := m.localityOf(alertID)
	if err != nil {
		return err
	}
	lock := m.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	now := m.clk.Now()

	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("resolve %s: %w", alertID, models.ErrNotFound)
	}
	if !alert.Status.IsActive() {
		status := alert.Status
		m.mu.Unlock()
		return fmt.Errorf("resolve %s from %s: %w", alertID, status, models.ErrInvalidTransition)
	}
	alert.Status = models.StatusResolved
	alert.ResolvedBy = userID
	alert.ResolvedAt = &now
	alert.Notes = notes
	responseSeconds := int64(now.Sub(alert.DetectedAt) / time.Second)
	alert.ResponseTimeSeconds = &responseSeconds
	delete(m.activeByKey, alert.LocalityKey())
	m.mu.Unlock()

	m.bus.Publish(events.AlertResolved{
		AlertID:             alertID,
		UserID:              userID,
		ResponseTimeSeconds: responseSeconds,
		At:                  now,
	})
	m.logger.Info("Alert resolved",
		zap.String("alert_id", alertID),
		zap.String("user_id", userID),
		zap.Int64("response_time_seconds", responseSeconds),
	)
	return nil
}

// MarkFalsePositive 标记误报：detected/acknowledged → false_positive
// 该报警对应的房间历史事件计数一并撤销（误报不参与热点统计）
func (m *Manager) MarkFalsePositive(alertID, notes string) error {
	key, err := m.localityOf(alertID)
	if err != nil {
		return err
	}
	lock := m.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	now := m.clk.Now()

	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mark false positive %s: %w", alertID, models.ErrNotFound)
	}
	if alert.Status != models.StatusDetected && alert.Status != models.StatusAcknowledged {
		status := alert.Status
		m.mu.Unlock()
		return fmt.Errorf("mark false positive %s from %s: %w", alertID, status, models.ErrInvalidTransition)
	}
	alert.Status = models.StatusFalsePositive
	alert.ResolvedAt = &now
	alert.Notes = notes
	delete(m.activeByKey, alert.LocalityKey())
	if alert.RoomID != "" {
		delete(m.incidents[alert.RoomID], alertID)
	}
	m.mu.Unlock()

	m.bus.Publish(events.AlertFalsePositive{AlertID: alertID, Notes: notes, At: now})
	m.logger.Info("Alert marked false positive",
		zap.String("alert_id", alertID),
	)
	return nil
}

// Escalate 升级报警级别一级（critical 封顶，封顶时幂等：无变化、不发事件）
// 返回当前级别和是否发生了变化
func (m *Manager) Escalate(alertID string) (models.Severity, bool, error) {
	key, err := m.localityOf(alertID)
	if err != nil {
		return "", false, err
	}
	lock := m.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	now := m.clk.Now()

	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return "", false, fmt.Errorf("escalate %s: %w", alertID, models.ErrNotFound)
	}
	// 终态报警不允许升级（升级巡检与 resolve 的竞态在此处最终裁决）
	if !alert.Status.IsActive() {
		status := alert.Status
		m.mu.Unlock()
		return "", false, fmt.Errorf("escalate %s from %s: %w", alertID, status, models.ErrInvalidTransition)
	}
	if alert.Severity == models.SeverityCritical {
		m.mu.Unlock()
		return models.SeverityCritical, false, nil
	}
	alert.Severity = alert.Severity.Bump()
	newSeverity := alert.Severity
	m.mu.Unlock()

	m.bus.Publish(events.AlertEscalated{AlertID: alertID, NewSeverity: newSeverity, At: now})
	m.logger.Info("Alert escalated",
		zap.String("alert_id", alertID),
		zap.String("new_severity", string(newSeverity)),
	)
	return newSeverity, true, nil
}

// Get 获取单个报警快照
func (m *Manager) Get(alertID string) (models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return models.Alert{}, fmt.Errorf("get %s: %w", alertID, models.ErrNotFound)
	}
	return alert.Clone(), nil
}

// GetActive 查询活跃报警（status ∈ detected/acknowledged/responding）
func (m *Manager) GetActive(filter Filter) []models.Alert {
	m.mu.RLock()
	result := make([]models.Alert, 0, len(m.activeByKey))
	for _, id := range m.activeByKey {
		alert := m.alerts[id]
		if matchFilter(alert, filter) {
			result = append(result, alert.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].DetectedAt.Before(result[j].DetectedAt)
	})
	return result
}

// GetHistory 查询内存中保留的终态报警（持久化历史由仓库层提供）
func (m *Manager) GetHistory(filter Filter) []models.Alert {
	m.mu.RLock()
	var result []models.Alert
	for _, alert := range m.alerts {
		if !alert.Status.IsTerminal() {
			continue
		}
		if matchFilter(alert, filter) {
			result = append(result, alert.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].DetectedAt.Before(result[j].DetectedAt)
	})
	return result
}

// PriorIncidents 返回房间在热点窗口内的历史事件数（供分类上下文使用）
func (m *Manager) PriorIncidents(roomID string) int {
	if roomID == "" {
		return 0
	}
	window := time.Duration(m.cfg.Severity.HotZoneWindowHours) * time.Hour
	cutoff := m.clk.Now().Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, at := range m.incidents[roomID] {
		if at.After(cutoff) {
			count++
		}
	}
	return count
}

// PruneExpired 清理超过保留期的终态报警和过期的历史事件计数
// 返回清理的报警数
func (m *Manager) PruneExpired() int {
	now := m.clk.Now()
	retention := time.Duration(m.cfg.Lifecycle.RetentionHours) * time.Hour
	window := time.Duration(m.cfg.Severity.HotZoneWindowHours) * time.Hour

	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, alert := range m.alerts {
		if !alert.Status.IsTerminal() || alert.ResolvedAt == nil {
			continue
		}
		if now.Sub(*alert.ResolvedAt) > retention {
			delete(m.alerts, id)
			pruned++
		}
	}

	cutoff := now.Add(-window)
	for roomID, byAlert := range m.incidents {
		for alertID, at := range byAlert {
			if at.Before(cutoff) {
				delete(byAlert, alertID)
			}
		}
		if len(byAlert) == 0 {
			delete(m.incidents, roomID)
		}
	}

	if pruned > 0 {
		m.logger.Debug("Expired alerts pruned",
			zap.Int("count", pruned),
		)
	}
	return pruned
}

// localityOf 查找报警的归属键（归属键在报警生命周期内不变）
func (m *Manager) localityOf(alertID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return "", fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	return alert.LocalityKey(), nil
}

// matchFilter 检查报警是否满足过滤条件
func matchFilter(alert *models.Alert, filter Filter) bool {
	if filter.RoomID != "" && alert.RoomID != filter.RoomID {
		return false
	}
	if filter.SubjectID != "" && alert.SubjectID != filter.SubjectID {
		return false
	}
	if filter.Floor != nil && alert.Floor != *filter.Floor {
		return false
	}
	if filter.Severity != "" && alert.Severity != filter.Severity {
		return false
	}
	if filter.Status != "" && alert.Status != filter.Status {
		return false
	}
	return true
}
