package models

import (
	"time"
)

// ZoneCategory 风险区域分类
type ZoneCategory string

const (
	ZoneFallRisk         ZoneCategory = "fall_risk"
	ZoneHighTraffic      ZoneCategory = "high_traffic"
	ZoneWandering        ZoneCategory = "wandering"
	ZoneMedicalEmergency ZoneCategory = "medical_emergency"
)

// BoundingBox 区域边界框（楼层平面坐标，单位：cm）
type BoundingBox struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Contains 点是否位于边界框内（含边界）
func (b BoundingBox) Contains(c Coordinates) bool {
	return c.X >= b.MinX && c.X <= b.MaxX && c.Y >= b.MinY && c.Y <= b.MaxY
}

// Zone 风险聚合区域（对应 risk_zones 表，运行态归 riskmap.Engine 独占）
type Zone struct {
	ID            string       `json:"zone_id" db:"zone_id"`
	Name          string       `json:"name" db:"name"`
	Floor         int          `json:"floor" db:"floor"`
	Bounds        BoundingBox  `json:"bounds" db:"bounds"`
	Category      ZoneCategory `json:"category" db:"category"`
	RiskLevel     float64      `json:"risk_level"`     // 0..100，随事件增加、随时间衰减
	IncidentCount int          `json:"incident_count"` // 请求周期内的事件计数（窗口化，非累计）
	LastUpdated   time.Time    `json:"last_updated"`
}

// HeatMapPeriod 热力图统计周期
type HeatMapPeriod string

const (
	PeriodHour  HeatMapPeriod = "hour"
	PeriodDay   HeatMapPeriod = "day"
	PeriodWeek  HeatMapPeriod = "week"
	PeriodMonth HeatMapPeriod = "month"
)

// Window 返回周期对应的时间窗口
func (p HeatMapPeriod) Window() time.Duration {
	switch p {
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// IsValid 检查周期是否合法
func (p HeatMapPeriod) IsValid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// HeatMap 热力图快照（只读，按楼层+周期生成）
type HeatMap struct {
	Floor            int           `json:"floor"`
	Period           HeatMapPeriod `json:"period"`
	GeneratedAt      time.Time     `json:"generated_at"`
	Zones            []Zone        `json:"zones"`
	UnzonedIncidents int           `json:"unzoned_incidents"` // 未落入任何区域的事件计数（仅观测，不参与风险）
}
