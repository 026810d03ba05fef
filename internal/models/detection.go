package models

import (
	"fmt"
	"time"
)

// DetectionType 检测类型
type DetectionType string

const (
	DetectionFall      DetectionType = "fall"      // 跌倒
	DetectionSlip      DetectionType = "slip"      // 滑倒
	DetectionCollapse  DetectionType = "collapse"  // 晕倒
	DetectionWandering DetectionType = "wandering" // 徘徊
	DetectionMotion    DetectionType = "motion"    // 一般移动
)

// IsValid 检查检测类型是否合法
func (t DetectionType) IsValid() bool {
	switch t {
	case DetectionFall, DetectionSlip, DetectionCollapse, DetectionWandering, DetectionMotion:
		return true
	}
	return false
}

// Coordinates 平面坐标（单位：cm，相对楼层平面图原点）
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DetectionEvent 原始检测事件（由摄像头/ML采集端产生，处理后即丢弃）
// RoomID/Floor 由采集端根据摄像头安装位置解析后附带
type DetectionEvent struct {
	CameraID      string        `json:"camera_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Confidence    float64       `json:"confidence"` // 0..1
	Coordinates   Coordinates   `json:"coordinates"`
	DetectionType DetectionType `json:"detection_type"`
	SubjectID     string        `json:"subject_id,omitempty"`
	RoomID        string        `json:"room_id,omitempty"`
	Floor         int           `json:"floor"`
}

// Validate 校验检测事件
func (d *DetectionEvent) Validate() error {
	if d.CameraID == "" {
		return fmt.Errorf("camera_id is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %f", d.Confidence)
	}
	if !d.DetectionType.IsValid() {
		return fmt.Errorf("unknown detection type: %s", d.DetectionType)
	}
	return nil
}

// LocalityKey 返回检测事件的归属键（用于活跃报警去重）
// 优先按住户归属，其次按房间，最后按摄像头
func (d *DetectionEvent) LocalityKey() string {
	if d.SubjectID != "" {
		return "subject:" + d.SubjectID
	}
	if d.RoomID != "" {
		return "room:" + d.RoomID
	}
	return "camera:" + d.CameraID
}
