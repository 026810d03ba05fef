package consumer

import (
	"context"
	"testing"
	"time"

	"fallsentry/internal/clock"
	"fallsentry/internal/config"
	"fallsentry/internal/events"
	"fallsentry/internal/lifecycle"
	"fallsentry/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *lifecycle.Manager, *CacheManager) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg, err := config.Load()
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	bus := events.NewBus(zap.NewNop())
	manager := lifecycle.NewManager(cfg, bus, clk, zap.NewNop())
	cacheManager := NewCacheManager(cfg, redisClient, manager, zap.NewNop())

	return mr, manager, cacheManager
}

func cacheDetection(roomID string) models.DetectionEvent {
	return models.DetectionEvent{
		CameraID:      "cam-301",
		Timestamp:     time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Confidence:    0.90,
		Coordinates:   models.Coordinates{X: 50, Y: 60},
		DetectionType: models.DetectionFall,
		RoomID:        roomID,
		Floor:         3,
	}
}

func TestCacheManager_RefreshRoom_WritesActiveAlerts(t *testing.T) {
	_, manager, cacheManager := setupTestCache(t)
	ctx := context.Background()

	alert, _, err := manager.Ingest(cacheDetection("room-301"), models.SeverityHigh)
	require.NoError(t, err)

	require.NoError(t, cacheManager.RefreshRoom(ctx, "room-301"))

	cached, err := cacheManager.GetActiveAlerts(ctx, "room-301")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, alert.ID, cached[0].ID)
	assert.Equal(t, models.SeverityHigh, cached[0].Severity)
	assert.Equal(t, models.StatusDetected, cached[0].Status)
}

func TestCacheManager_RefreshRoom_EmptyDeletesKey(t *testing.T) {
	mr, manager, cacheManager := setupTestCache(t)
	ctx := context.Background()

	alert, _, err := manager.Ingest(cacheDetection("room-302"), models.SeverityMedium)
	require.NoError(t, err)
	require.NoError(t, cacheManager.RefreshRoom(ctx, "room-302"))
	assert.True(t, mr.Exists("fallsentry:room:room-302:alerts"))

	require.NoError(t, manager.Resolve(alert.ID, "nurse-chen", ""))
	require.NoError(t, cacheManager.RefreshRoom(ctx, "room-302"))

	assert.False(t, mr.Exists("fallsentry:room:room-302:alerts"))
	cached, err := cacheManager.GetActiveAlerts(ctx, "room-302")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestCacheManager_GetActiveAlerts_MissReturnsEmpty(t *testing.T) {
	_, _, cacheManager := setupTestCache(t)

	cached, err := cacheManager.GetActiveAlerts(context.Background(), "room-never-seen")

	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestCacheManager_KeyHasTTL(t *testing.T) {
	mr, manager, cacheManager := setupTestCache(t)
	ctx := context.Background()

	_, _, err := manager.Ingest(cacheDetection("room-303"), models.SeverityLow)
	require.NoError(t, err)
	require.NoError(t, cacheManager.RefreshRoom(ctx, "room-303"))

	ttl := mr.TTL("fallsentry:room:room-303:alerts")
	assert.Greater(t, ttl, time.Duration(0))
}

func TestCacheManager_RoomOfLifecycleEvents(t *testing.T) {
	_, manager, cacheManager := setupTestCache(t)

	alert, _, err := manager.Ingest(cacheDetection("room-304"), models.SeverityHigh)
	require.NoError(t, err)

	assert.Equal(t, "room-304", cacheManager.roomOf(events.AlertCreated{Alert: alert}))
	assert.Equal(t, "room-304", cacheManager.roomOf(events.AlertAcknowledged{AlertID: alert.ID}))
	assert.Equal(t, "room-304", cacheManager.roomOf(events.AlertEscalated{AlertID: alert.ID}))
	assert.Equal(t, "", cacheManager.roomOf(events.AlertResolved{AlertID: "alert-unknown"}))
	assert.Equal(t, "", cacheManager.roomOf(events.EscalationRecorded{}))
}
