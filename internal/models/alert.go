package models

import (
	"time"
)

// Severity 报警级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank 级别序数（用于比较和升级）
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank 返回级别序数（low=0 ... critical=3）
func (s Severity) Rank() int {
	return severityRank[s]
}

// IsValid 检查级别是否合法
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Bump 提升一级（critical 封顶）
func (s Severity) Bump() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh:
		return SeverityCritical
	default:
		return SeverityCritical
	}
}

// MaxSeverity 返回两个级别中较高的一个（报警级别不允许静默降级）
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertStatus 报警状态
type AlertStatus string

const (
	StatusDetected      AlertStatus = "detected"
	StatusAcknowledged  AlertStatus = "acknowledged"
	StatusResponding    AlertStatus = "responding"
	StatusResolved      AlertStatus = "resolved"
	StatusFalsePositive AlertStatus = "false_positive"
)

// IsActive 是否处于活跃状态（detected/acknowledged/responding）
func (s AlertStatus) IsActive() bool {
	switch s {
	case StatusDetected, StatusAcknowledged, StatusResponding:
		return true
	}
	return false
}

// IsTerminal 是否处于终态（resolved/false_positive，不可再转换）
func (s AlertStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Alert 报警实体（对应 alerts 表）
// 仅由 lifecycle.Manager 的操作修改，从不删除，终态后按保留期归档
type Alert struct {
	ID            string        `json:"alert_id" db:"alert_id"`
	CameraID      string        `json:"camera_id" db:"camera_id"`
	RoomID        string        `json:"room_id,omitempty" db:"room_id"`
	SubjectID     string        `json:"subject_id,omitempty" db:"subject_id"`
	Floor         int           `json:"floor" db:"floor"`
	DetectionType DetectionType `json:"detection_type" db:"detection_type"`
	DetectedAt    time.Time     `json:"detected_at" db:"detected_at"`
	LastSeenAt    time.Time     `json:"last_seen_at" db:"last_seen_at"`
	Confidence    float64       `json:"confidence" db:"confidence"`
	Coordinates   Coordinates   `json:"coordinates" db:"coordinates"`
	Severity      Severity      `json:"severity" db:"severity"`
	Status        AlertStatus   `json:"status" db:"status"`

	AcknowledgedBy string     `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	RespondingBy   string     `json:"responding_by,omitempty" db:"responding_by"`
	ResolvedBy     string     `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	Notes          string     `json:"notes,omitempty" db:"notes"`

	// ResponseTimeSeconds 在 resolve 时刻冻结：resolvedAt - detectedAt
	ResponseTimeSeconds *int64 `json:"response_time_seconds,omitempty" db:"response_time_seconds"`
}

// LocalityKey 返回报警的归属键（与 DetectionEvent.LocalityKey 一致）
func (a *Alert) LocalityKey() string {
	if a.SubjectID != "" {
		return "subject:" + a.SubjectID
	}
	if a.RoomID != "" {
		return "room:" + a.RoomID
	}
	return "camera:" + a.CameraID
}

// Clone 返回报警的浅拷贝（查询接口返回快照，避免外部修改内部状态）
func (a *Alert) Clone() Alert {
	copied := *a
	return copied
}
