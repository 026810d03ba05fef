package lifecycle

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"fallsentry/internal/clock"
	"fallsentry/internal/config"
	"fallsentry/internal/events"
	"fallsentry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupManager(t *testing.T) (*Manager, *clock.FakeClock, <-chan events.Event) {
	os.Clearenv()
	cfg, err := config.Load()
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe(128)
	manager := NewManager(cfg, bus, clk, zap.NewNop())

	return manager, clk, sub
}

func fallDetection(cameraID, roomID, subjectID string) models.DetectionEvent {
	return models.DetectionEvent{
		CameraID:      cameraID,
		Timestamp:     time.Now(),
		Confidence:    0.96,
		Coordinates:   models.Coordinates{X: 120, Y: 80},
		DetectionType: models.DetectionFall,
		SubjectID:     subjectID,
		RoomID:        roomID,
		Floor:         2,
	}
}

func drainEvents(sub <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sub:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// ============================================
// 摄入与合并
// ============================================

func TestIngest_CreatesAlert(t *testing.T) {
	manager, _, sub := setupManager(t)

	alert, created, err := manager.Ingest(fallDetection("cam-1", "room-201", "res-9"), models.SeverityCritical)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, models.StatusDetected, alert.Status)
	assert.Equal(t, models.SeverityCritical, alert.Severity)

	evs := drainEvents(sub)
	require.Len(t, evs, 1)
	createdEv, ok := evs[0].(events.AlertCreated)
	require.True(t, ok)
	assert.Equal(t, alert.ID, createdEv.Alert.ID)
}

func TestIngest_MergesIntoActiveAlert(t *testing.T) {
	manager, clk, sub := setupManager(t)

	first, created, err := manager.Ingest(fallDetection("cam-1", "room-201", "res-9"), models.SeverityHigh)
	require.NoError(t, err)
	require.True(t, created)

	clk.Advance(10 * time.Second)

	// 同一住户的后续检测合并，不创建新报警
	second := fallDetection("cam-1", "room-201", "res-9")
	second.Confidence = 0.99
	second.Coordinates = models.Coordinates{X: 130, Y: 85}
	merged, createdAgain, err := manager.Ingest(second, models.SeverityCritical)
	require.NoError(t, err)
	assert.False(t, createdAgain)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, 0.99, merged.Confidence)
	assert.Equal(t, models.Coordinates{X: 130, Y: 85}, merged.Coordinates)
	assert.Equal(t, models.SeverityCritical, merged.Severity)

	// 合并不产生新事件
	evs := drainEvents(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeAlertCreated, evs[0].EventType())

	assert.Len(t, manager.GetActive(Filter{}), 1)
}

func TestIngest_SeverityNeverDowngrades(t *testing.T) {
	manager, _, _ := setupManager(t)

	first, _, err := manager.Ingest(fallDetection("cam-1", "room-201", "res-9"), models.SeverityCritical)
	require.NoError(t, err)

	// 低级别的后续检测不降级
	weak := fallDetection("cam-1", "room-201", "res-9")
	weak.Confidence = 0.60
	merged, _, err := manager.Ingest(weak, models.SeverityLow)
	require.NoError(t, err)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, models.SeverityCritical, merged.Severity)
}

func TestIngest_AtMostOneActivePerSubject(t *testing.T) {
	manager, _, _ := setupManager(t)

	// 并发摄入同一住户的 N 条检测，处理完后仅存在一个活跃报警
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := manager.Ingest(fallDetection("cam-1", "room-201", "res-9"), models.SeverityHigh)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active := manager.GetActive(Filter{SubjectID: "res-9"})
	assert.Len(t, active, 1)
}

func TestIngest_DifferentRoomsIndependent(t *testing.T) {
	manager, _, _ := setupManager(t)

	_, created1, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityHigh)
	require.NoError(t, err)
	_, created2, err := manager.Ingest(fallDetection("cam-2", "room-202", ""), models.SeverityHigh)
	require.NoError(t, err)

	assert.True(t, created1)
	assert.True(t, created2)
	assert.Len(t, manager.GetActive(Filter{}), 2)
}

func TestIngest_InvalidDetection(t *testing.T) {
	manager, _, _ := setupManager(t)

	bad := fallDetection("cam-1", "room-201", "")
	bad.Confidence = 1.5
	_, _, err := manager.Ingest(bad, models.SeverityHigh)
	assert.Error(t, err)
}

// ============================================
// 状态机
// ============================================

func TestLifecycle_FullPath(t *testing.T) {
	manager, clk, sub := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", "res-9"), models.SeverityHigh)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	require.NoError(t, manager.Acknowledge(alert.ID, "nurse-7"))

	clk.Advance(20 * time.Second)
	require.NoError(t, manager.AssignResponder(alert.ID, "responder-3"))

	clk.Advance(70 * time.Second)
	require.NoError(t, manager.Resolve(alert.ID, "responder-3", "assisted resident"))

	final, err := manager.Get(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, final.Status)
	assert.Equal(t, "nurse-7", final.AcknowledgedBy)
	assert.Equal(t, "responder-3", final.ResolvedBy)
	// 响应时长 = resolvedAt - detectedAt = 30+20+70 = 120 秒
	require.NotNil(t, final.ResponseTimeSeconds)
	assert.Equal(t, int64(120), *final.ResponseTimeSeconds)

	// 活跃集合已清空
	assert.Empty(t, manager.GetActive(Filter{}))

	evs := drainEvents(sub)
	types := make([]events.Type, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.EventType())
	}
	assert.Equal(t, []events.Type{
		events.TypeAlertCreated,
		events.TypeAlertAcknowledged,
		events.TypeAlertResponding,
		events.TypeAlertResolved,
	}, types)
}

func TestLifecycle_ResolveDirectlyFromDetected(t *testing.T) {
	manager, clk, _ := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityMedium)
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	require.NoError(t, manager.Resolve(alert.ID, "nurse-7", ""))

	final, err := manager.Get(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, final.Status)
	assert.Equal(t, int64(45), *final.ResponseTimeSeconds)
}

func TestLifecycle_TerminalStatesReject(t *testing.T) {
	manager, _, _ := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityMedium)
	require.NoError(t, err)
	require.NoError(t, manager.Resolve(alert.ID, "nurse-7", ""))

	// resolved 之后任何转换都被拒绝
	assert.True(t, errors.Is(manager.Acknowledge(alert.ID, "nurse-7"), models.ErrInvalidTransition))
	assert.True(t, errors.Is(manager.Resolve(alert.ID, "nurse-7", ""), models.ErrInvalidTransition))
	assert.True(t, errors.Is(manager.MarkFalsePositive(alert.ID, ""), models.ErrInvalidTransition))
	_, _, err = manager.Escalate(alert.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
}

func TestLifecycle_FalsePositiveTerminal(t *testing.T) {
	manager, _, sub := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityMedium)
	require.NoError(t, err)
	require.NoError(t, manager.MarkFalsePositive(alert.ID, "cat on carpet"))

	final, err := manager.Get(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFalsePositive, final.Status)

	// false_positive 不能再 resolve（两个终态互不可达）
	assert.True(t, errors.Is(manager.Resolve(alert.ID, "nurse-7", ""), models.ErrInvalidTransition))

	evs := drainEvents(sub)
	assert.Equal(t, events.TypeAlertFalsePositive, evs[len(evs)-1].EventType())
}

func TestLifecycle_FalsePositiveFromResponding_Rejected(t *testing.T) {
	manager, _, _ := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityMedium)
	require.NoError(t, err)
	require.NoError(t, manager.Acknowledge(alert.ID, "nurse-7"))
	require.NoError(t, manager.AssignResponder(alert.ID, "responder-3"))

	// responding 状态不允许标记误报
	assert.True(t, errors.Is(manager.MarkFalsePositive(alert.ID, ""), models.ErrInvalidTransition))
}

func TestLifecycle_UnknownAlertID(t *testing.T) {
	manager, _, _ := setupManager(t)

	assert.True(t, errors.Is(manager.Acknowledge("no-such-id", "nurse-7"), models.ErrNotFound))
	assert.True(t, errors.Is(manager.Resolve("no-such-id", "nurse-7", ""), models.ErrNotFound))
	_, _, err := manager.Escalate("no-such-id")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestLifecycle_DoubleAcknowledge(t *testing.T) {
	manager, _, _ := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityMedium)
	require.NoError(t, err)
	require.NoError(t, manager.Acknowledge(alert.ID, "nurse-7"))

	err = manager.Acknowledge(alert.ID, "nurse-8")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
}

// ============================================
// 升级
// ============================================

func TestEscalate_BumpsOneTier(t *testing.T) {
	manager, _, sub := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityMedium)
	require.NoError(t, err)
	drainEvents(sub)

	severity, changed, err := manager.Escalate(alert.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.SeverityHigh, severity)

	evs := drainEvents(sub)
	require.Len(t, evs, 1)
	escalated, ok := evs[0].(events.AlertEscalated)
	require.True(t, ok)
	assert.Equal(t, models.SeverityHigh, escalated.NewSeverity)
}

func TestEscalate_IdempotentAtCritical(t *testing.T) {
	manager, _, sub := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityCritical)
	require.NoError(t, err)
	drainEvents(sub)

	// critical 封顶：连续两次升级均无变化、不发事件
	for i := 0; i < 2; i++ {
		severity, changed, err := manager.Escalate(alert.ID)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, models.SeverityCritical, severity)
	}
	assert.Empty(t, drainEvents(sub))
}

// ============================================
// 查询与窗口
// ============================================

func TestGetActive_Filters(t *testing.T) {
	manager, _, _ := setupManager(t)

	_, _, err := manager.Ingest(fallDetection("cam-1", "room-201", "res-1"), models.SeverityHigh)
	require.NoError(t, err)
	det := fallDetection("cam-2", "room-202", "res-2")
	det.Floor = 3
	_, _, err = manager.Ingest(det, models.SeverityCritical)
	require.NoError(t, err)

	assert.Len(t, manager.GetActive(Filter{}), 2)
	assert.Len(t, manager.GetActive(Filter{RoomID: "room-201"}), 1)
	assert.Len(t, manager.GetActive(Filter{SubjectID: "res-2"}), 1)
	floor := 3
	assert.Len(t, manager.GetActive(Filter{Floor: &floor}), 1)
	assert.Len(t, manager.GetActive(Filter{Severity: models.SeverityCritical}), 1)
}

func TestGetHistory_TerminalOnly(t *testing.T) {
	manager, _, _ := setupManager(t)

	a1, _, err := manager.Ingest(fallDetection("cam-1", "room-201", "res-1"), models.SeverityHigh)
	require.NoError(t, err)
	_, _, err = manager.Ingest(fallDetection("cam-2", "room-202", "res-2"), models.SeverityHigh)
	require.NoError(t, err)

	require.NoError(t, manager.Resolve(a1.ID, "nurse-7", ""))

	history := manager.GetHistory(Filter{})
	require.Len(t, history, 1)
	assert.Equal(t, a1.ID, history[0].ID)
}

func TestPriorIncidents_RollingWindow(t *testing.T) {
	manager, clk, _ := setupManager(t)

	// 三个报警依次创建并解决（解决后归属键释放，允许新建）
	for i := 0; i < 3; i++ {
		alert, created, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityMedium)
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, manager.Resolve(alert.ID, "nurse-7", ""))
		clk.Advance(time.Hour)
	}

	assert.Equal(t, 3, manager.PriorIncidents("room-201"))
	assert.Equal(t, 0, manager.PriorIncidents("room-999"))

	// 窗口（168小时）滑过后不再计数
	clk.Advance(169 * time.Hour)
	assert.Equal(t, 0, manager.PriorIncidents("room-201"))
}

func TestPriorIncidents_FalsePositiveExcluded(t *testing.T) {
	manager, _, _ := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityMedium)
	require.NoError(t, err)
	assert.Equal(t, 1, manager.PriorIncidents("room-201"))

	require.NoError(t, manager.MarkFalsePositive(alert.ID, ""))
	assert.Equal(t, 0, manager.PriorIncidents("room-201"))
}

func TestPruneExpired(t *testing.T) {
	manager, clk, _ := setupManager(t)

	alert, _, err := manager.Ingest(fallDetection("cam-1", "room-201", ""), models.SeverityMedium)
	require.NoError(t, err)
	require.NoError(t, manager.Resolve(alert.ID, "nurse-7", ""))

	// 保留期（24小时）内不清理
	clk.Advance(23 * time.Hour)
	assert.Equal(t, 0, manager.PruneExpired())
	_, err = manager.Get(alert.ID)
	assert.NoError(t, err)

	// 超过保留期后清理
	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, manager.PruneExpired())
	_, err = manager.Get(alert.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
