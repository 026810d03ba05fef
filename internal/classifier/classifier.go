package classifier

import (
	"fallsentry/internal/config"
	"fallsentry/internal/models"
)

// Context 分类上下文（由调用方提供，分类器本身无状态无副作用）
type Context struct {
	// PriorIncidentsAtLocation 同一位置滚动窗口（默认7天）内的历史事件数
	PriorIncidentsAtLocation int

	// SubjectRiskProfile 住户风险档案标识（预留给阈值调优，不参与当前规则）
	SubjectRiskProfile string
}

// Classifier 级别分类器（纯函数，阈值来自启动配置）
type Classifier struct {
	criticalConfidence float64
	highConfidence     float64
	mediumConfidence   float64
	hotZoneIncidents   int
}

// New 创建分类器
func New(cfg *config.Config) *Classifier {
	return &Classifier{
		criticalConfidence: cfg.Severity.CriticalConfidence,
		highConfidence:     cfg.Severity.HighConfidence,
		mediumConfidence:   cfg.Severity.MediumConfidence,
		hotZoneIncidents:   cfg.Severity.HotZoneIncidents,
	}
}

// Classify 将原始检测映射为报警级别
// 规则（确定性，置信度阈值替代ML推断）：
//   - confidence >= critical阈值 且 类型为 fall/collapse → critical
//   - confidence >= high阈值 且 类型为 fall/collapse/slip → high
//   - confidence >= medium阈值 → medium
//   - 其余 → low
//
// 热点区域升级：同位置窗口内历史事件数达到阈值时提升一级（critical 封顶）
func (c *Classifier) Classify(det models.DetectionEvent, ctx Context) models.Severity {
	severity := models.SeverityLow

	switch {
	case det.Confidence >= c.criticalConfidence && isHardFall(det.DetectionType):
		severity = models.SeverityCritical
	case det.Confidence >= c.highConfidence && isFallLike(det.DetectionType):
		severity = models.SeverityHigh
	case det.Confidence >= c.mediumConfidence:
		severity = models.SeverityMedium
	}

	if ctx.PriorIncidentsAtLocation >= c.hotZoneIncidents {
		severity = severity.Bump()
	}

	return severity
}

// isHardFall fall/collapse 属于高危跌倒类型
func isHardFall(t models.DetectionType) bool {
	return t == models.DetectionFall || t == models.DetectionCollapse
}

// isFallLike fall/collapse/slip 属于跌倒相关类型
func isFallLike(t models.DetectionType) bool {
	return isHardFall(t) || t == models.DetectionSlip
}
