package classifier

import (
	"os"
	"testing"

	"fallsentry/internal/config"
	"fallsentry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClassifier(t *testing.T) *Classifier {
	os.Clearenv()
	cfg, err := config.Load()
	require.NoError(t, err)
	return New(cfg)
}

func detection(confidence float64, detType models.DetectionType) models.DetectionEvent {
	return models.DetectionEvent{
		CameraID:      "cam-101",
		Confidence:    confidence,
		DetectionType: detType,
		Coordinates:   models.Coordinates{X: 10, Y: 10},
	}
}

func TestClassify_CriticalThreshold(t *testing.T) {
	c := setupClassifier(t)

	// confidence >= 0.95 且类型为 fall/collapse → critical
	assert.Equal(t, models.SeverityCritical, c.Classify(detection(0.95, models.DetectionFall), Context{}))
	assert.Equal(t, models.SeverityCritical, c.Classify(detection(0.97, models.DetectionCollapse), Context{}))
	assert.Equal(t, models.SeverityCritical, c.Classify(detection(1.0, models.DetectionFall), Context{}))

	// slip 不满足 critical，但满足 high
	assert.Equal(t, models.SeverityHigh, c.Classify(detection(0.97, models.DetectionSlip), Context{}))

	// motion 高置信度仅 medium
	assert.Equal(t, models.SeverityMedium, c.Classify(detection(0.97, models.DetectionMotion), Context{}))
}

func TestClassify_HighThreshold(t *testing.T) {
	c := setupClassifier(t)

	assert.Equal(t, models.SeverityHigh, c.Classify(detection(0.85, models.DetectionFall), Context{}))
	assert.Equal(t, models.SeverityHigh, c.Classify(detection(0.90, models.DetectionSlip), Context{}))
	assert.Equal(t, models.SeverityMedium, c.Classify(detection(0.90, models.DetectionWandering), Context{}))
}

func TestClassify_MediumAndLow(t *testing.T) {
	c := setupClassifier(t)

	assert.Equal(t, models.SeverityMedium, c.Classify(detection(0.80, models.DetectionMotion), Context{}))
	assert.Equal(t, models.SeverityMedium, c.Classify(detection(0.75, models.DetectionWandering), Context{}))
	assert.Equal(t, models.SeverityLow, c.Classify(detection(0.74, models.DetectionMotion), Context{}))
	assert.Equal(t, models.SeverityLow, c.Classify(detection(0.3, models.DetectionFall), Context{}))
}

func TestClassify_HotZoneBump(t *testing.T) {
	c := setupClassifier(t)

	// slip 0.8 无历史事件 → medium
	det := detection(0.8, models.DetectionSlip)
	assert.Equal(t, models.SeverityMedium, c.Classify(det, Context{PriorIncidentsAtLocation: 0}))

	// 历史事件数达到阈值(3) → 提升为 high
	assert.Equal(t, models.SeverityHigh, c.Classify(det, Context{PriorIncidentsAtLocation: 3}))
	assert.Equal(t, models.SeverityHigh, c.Classify(det, Context{PriorIncidentsAtLocation: 5}))

	// 阈值以下不提升
	assert.Equal(t, models.SeverityMedium, c.Classify(det, Context{PriorIncidentsAtLocation: 2}))
}

func TestClassify_HotZoneBumpCappedAtCritical(t *testing.T) {
	c := setupClassifier(t)

	// 已经是 critical，热点提升后仍为 critical（封顶）
	det := detection(0.97, models.DetectionFall)
	assert.Equal(t, models.SeverityCritical, c.Classify(det, Context{PriorIncidentsAtLocation: 4}))
}

func TestClassify_BoundaryConfidences(t *testing.T) {
	c := setupClassifier(t)

	// 阈值边界（闭区间下界）
	assert.Equal(t, models.SeverityCritical, c.Classify(detection(0.95, models.DetectionCollapse), Context{}))
	assert.Equal(t, models.SeverityHigh, c.Classify(detection(0.9499, models.DetectionCollapse), Context{}))
	assert.Equal(t, models.SeverityHigh, c.Classify(detection(0.85, models.DetectionSlip), Context{}))
	assert.Equal(t, models.SeverityMedium, c.Classify(detection(0.8499, models.DetectionSlip), Context{}))
	assert.Equal(t, models.SeverityMedium, c.Classify(detection(0.75, models.DetectionMotion), Context{}))
	assert.Equal(t, models.SeverityLow, c.Classify(detection(0.7499, models.DetectionMotion), Context{}))
}
