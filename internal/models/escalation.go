package models

import (
	"time"
)

// EscalationReason 升级原因
type EscalationReason string

const (
	ReasonSeverityCritical      EscalationReason = "severity_critical"      // 创建即 critical
	ReasonUnacknowledgedTimeout EscalationReason = "unacknowledged_timeout" // 超时未确认
	ReasonRepeatOffense         EscalationReason = "repeat_offense"         // 同一住户短期内反复触发
)

// EscalationRecord 升级记录（对应 escalation_records 表，创建后不可变）
// 一个报警可以累积多条记录；报警进入终态后不再产生新记录
type EscalationRecord struct {
	RecordID        string           `json:"record_id" db:"record_id"`
	AlertID         string           `json:"alert_id" db:"alert_id"`
	TriggeredAt     time.Time        `json:"triggered_at" db:"triggered_at"`
	Reason          EscalationReason `json:"reason" db:"reason"`
	NotifiedTargets []string         `json:"notified_targets" db:"notified_targets"`
}
