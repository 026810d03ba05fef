package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fallsentry/internal/config"
	"fallsentry/internal/events"
	"fallsentry/internal/lifecycle"
	"fallsentry/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheManager 活跃报警缓存管理器
// 按房间维护活跃报警快照，仪表盘直接读 Redis 不触碰状态机
type CacheManager struct {
	config      *config.Config
	redisClient *redis.Client
	manager     *lifecycle.Manager
	logger      *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(
	cfg *config.Config,
	redisClient *redis.Client,
	manager *lifecycle.Manager,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config:      cfg,
		redisClient: redisClient,
		manager:     manager,
		logger:      logger,
	}
}

// Run 消费报警事件并刷新对应房间的缓存（阻塞直到 ctx 取消）
func (c *CacheManager) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			roomID := c.roomOf(ev)
			if roomID == "" {
				continue
			}
			if err := c.RefreshRoom(ctx, roomID); err != nil {
				c.logger.Error("Failed to refresh alert cache",
					zap.String("room_id", roomID),
					zap.String("event_type", string(ev.EventType())),
					zap.Error(err),
				)
			}
		}
	}
}

// RefreshRoom 重建单个房间的活跃报警缓存
func (c *CacheManager) RefreshRoom(ctx context.Context, roomID string) error {
	alerts := c.manager.GetActive(lifecycle.Filter{RoomID: roomID})

	key := c.roomKey(roomID)
	if len(alerts) == 0 {
		if err := c.redisClient.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete alert cache: %w", err)
		}
		return nil
	}

	jsonData, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	err = c.redisClient.Set(
		ctx,
		key,
		jsonData,
		time.Duration(c.config.Cache.ActiveTTL)*time.Second,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set alert cache: %w", err)
	}

	c.logger.Debug("Updated alert cache",
		zap.String("room_id", roomID),
		zap.String("key", key),
		zap.Int("alert_count", len(alerts)),
	)

	return nil
}

// GetActiveAlerts 从缓存读取房间活跃报警（缓存未命中返回空列表）
func (c *CacheManager) GetActiveAlerts(ctx context.Context, roomID string) ([]models.Alert, error) {
	val, err := c.redisClient.Get(ctx, c.roomKey(roomID)).Result()
	if err != nil {
		if err == redis.Nil {
			return []models.Alert{}, nil
		}
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}

	var alerts []models.Alert
	if err := json.Unmarshal([]byte(val), &alerts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached alerts: %w", err)
	}

	return alerts, nil
}

// roomKey 构建房间缓存键
func (c *CacheManager) roomKey(roomID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Cache.ActiveKeyPrefix,
		roomID,
		c.config.Cache.ActiveSuffix,
	)
}

// roomOf 提取事件关联的房间（非报警生命周期事件返回空）
func (c *CacheManager) roomOf(ev events.Event) string {
	switch typed := ev.(type) {
	case events.AlertCreated:
		return typed.Alert.RoomID
	case events.AlertAcknowledged:
		return c.lookupRoom(typed.AlertID)
	case events.AlertResponding:
		return c.lookupRoom(typed.AlertID)
	case events.AlertResolved:
		return c.lookupRoom(typed.AlertID)
	case events.AlertFalsePositive:
		return c.lookupRoom(typed.AlertID)
	case events.AlertEscalated:
		return c.lookupRoom(typed.AlertID)
	default:
		return ""
	}
}

func (c *CacheManager) lookupRoom(alertID string) string {
	alert, err := c.manager.Get(alertID)
	if err != nil {
		return ""
	}
	return alert.RoomID
}
