package events

import (
	"time"

	"fallsentry/internal/models"
)

// Type 事件类型（封闭集合，替代字符串事件总线）
type Type string

const (
	TypeAlertCreated       Type = "alert_created"
	TypeAlertAcknowledged  Type = "alert_acknowledged"
	TypeAlertResponding    Type = "alert_responding"
	TypeAlertResolved      Type = "alert_resolved"
	TypeAlertFalsePositive Type = "alert_false_positive"
	TypeAlertEscalated     Type = "alert_escalated"
	TypeEmergencyTriggered Type = "emergency_triggered"
	TypeEscalationRecorded Type = "escalation_recorded"
)

// Event 出站事件接口（仅由本包内的变体实现）
type Event interface {
	EventType() Type
}

// AlertCreated 报警创建事件
type AlertCreated struct {
	Alert models.Alert `json:"alert"`
}

// AlertAcknowledged 报警确认事件
type AlertAcknowledged struct {
	AlertID string    `json:"alert_id"`
	UserID  string    `json:"user_id"`
	At      time.Time `json:"at"`
}

// AlertResponding 响应人员指派事件
type AlertResponding struct {
	AlertID string    `json:"alert_id"`
	UserID  string    `json:"user_id"`
	At      time.Time `json:"at"`
}

// AlertResolved 报警解决事件
type AlertResolved struct {
	AlertID             string    `json:"alert_id"`
	UserID              string    `json:"user_id"`
	ResponseTimeSeconds int64     `json:"response_time_seconds"`
	At                  time.Time `json:"at"`
}

// AlertFalsePositive 误报标记事件
type AlertFalsePositive struct {
	AlertID string    `json:"alert_id"`
	Notes   string    `json:"notes,omitempty"`
	At      time.Time `json:"at"`
}

// AlertEscalated 报警升级事件
type AlertEscalated struct {
	AlertID     string          `json:"alert_id"`
	NewSeverity models.Severity `json:"new_severity"`
	At          time.Time       `json:"at"`
}

// EmergencyTriggered 紧急响应事件（由外部通知/调度系统消费）
type EmergencyTriggered struct {
	AlertID     string             `json:"alert_id"`
	RoomID      string             `json:"room_id,omitempty"`
	Floor       int                `json:"floor"`
	Coordinates models.Coordinates `json:"coordinates"`
	Severity    models.Severity    `json:"severity"`
	At          time.Time          `json:"at"`
}

// EscalationRecorded 升级记录事件（供持久化/审计消费）
type EscalationRecorded struct {
	Record models.EscalationRecord `json:"record"`
}

func (AlertCreated) EventType() Type       { return TypeAlertCreated }
func (AlertAcknowledged) EventType() Type  { return TypeAlertAcknowledged }
func (AlertResponding) EventType() Type    { return TypeAlertResponding }
func (AlertResolved) EventType() Type      { return TypeAlertResolved }
func (AlertFalsePositive) EventType() Type { return TypeAlertFalsePositive }
func (AlertEscalated) EventType() Type     { return TypeAlertEscalated }
func (EmergencyTriggered) EventType() Type { return TypeEmergencyTriggered }
func (EscalationRecorded) EventType() Type { return TypeEscalationRecorded }
