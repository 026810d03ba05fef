package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"fallsentry/internal/classifier"
	"fallsentry/internal/clock"
	"fallsentry/internal/config"
	"fallsentry/internal/consumer"
	"fallsentry/internal/escalation"
	"fallsentry/internal/events"
	"fallsentry/internal/lifecycle"
	"fallsentry/internal/publisher"
	"fallsentry/internal/repository"
	"fallsentry/internal/riskmap"
	"fallsentry/pkg/database"
	"fallsentry/pkg/mqtt"
	rediscommon "fallsentry/pkg/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Engine 跌倒报警引擎（整合各层）
type Engine struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger
	tenantID    string

	// 各层组件
	bus               *events.Bus
	manager           *lifecycle.Manager
	classifier        *classifier.Classifier
	riskEngine        *riskmap.Engine
	coordinator       *escalation.Coordinator
	detectionConsumer *consumer.DetectionConsumer
	cacheManager      *consumer.CacheManager
	alertHistoryRepo  *repository.AlertHistoryRepository
	zoneRepo          *repository.ZoneRepository
	historySink       *repository.HistorySink
	mqttPublisher     *publisher.MQTTPublisher

	wg sync.WaitGroup
}

// NewEngine 创建报警引擎
func NewEngine(cfg *config.Config, logger *zap.Logger, tenantID string) (*Engine, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	ctx := context.Background()
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT（未配置 broker 时跳过出站发布）
	var mqttClient *mqtt.Client
	if cfg.MQTT.Broker != "" {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect mqtt: %w", err)
		}
	} else {
		logger.Warn("MQTT broker not configured, outbound event publishing disabled")
	}

	clk := clock.SystemClock{}

	// 4. 创建 Repository 层
	alertHistoryRepo := repository.NewAlertHistoryRepository(db, logger)
	zoneRepo := repository.NewZoneRepository(db, logger)

	// 5. 加载风险区域定义
	zones, err := zoneRepo.LoadZones(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk zones: %w", err)
	}

	// 6. 创建核心组件
	bus := events.NewBus(logger)
	manager := lifecycle.NewManager(cfg, bus, clk, logger)
	cls := classifier.New(cfg)
	riskEngine := riskmap.NewEngine(cfg, zones, clk, logger)
	coordinator := escalation.NewCoordinator(cfg, manager, bus, clk, logger)

	// 7. 创建摄入与缓存层
	detectionConsumer := consumer.NewDetectionConsumer(cfg, redisClient, cls, manager, logger)
	cacheManager := consumer.NewCacheManager(cfg, redisClient, manager, logger)
	historySink := repository.NewHistorySink(alertHistoryRepo, tenantID, logger)

	var mqttPublisher *publisher.MQTTPublisher
	if mqttClient != nil {
		mqttPublisher = publisher.NewMQTTPublisher(cfg, mqttClient, tenantID, clk, logger)
	}

	return &Engine{
		config:            cfg,
		db:                db,
		redisClient:       redisClient,
		mqttClient:        mqttClient,
		logger:            logger,
		tenantID:          tenantID,
		bus:               bus,
		manager:           manager,
		classifier:        cls,
		riskEngine:        riskEngine,
		coordinator:       coordinator,
		detectionConsumer: detectionConsumer,
		cacheManager:      cacheManager,
		alertHistoryRepo:  alertHistoryRepo,
		zoneRepo:          zoneRepo,
		historySink:       historySink,
		mqttPublisher:     mqttPublisher,
	}, nil
}

// Manager 返回报警生命周期管理器（供操作接口层调用）
func (e *Engine) Manager() *lifecycle.Manager {
	return e.manager
}

// RiskEngine 返回风险聚合引擎（供热力图查询调用）
func (e *Engine) RiskEngine() *riskmap.Engine {
	return e.riskEngine
}

// Start 启动引擎（阻塞直到 ctx 取消）
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting fall alert engine",
		zap.String("tenant_id", e.tenantID),
	)

	// 每个消费者独立订阅，互不影响消费进度
	e.runConsumer(ctx, "riskmap", e.riskEngine.Run)
	e.runConsumer(ctx, "escalation", e.coordinator.Run)
	e.runConsumer(ctx, "cache", e.cacheManager.Run)
	e.runConsumer(ctx, "history", e.historySink.Run)
	if e.mqttPublisher != nil {
		e.runConsumer(ctx, "publisher", e.mqttPublisher.Run)
	}

	// 终态报警归档清理
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pruneLoop(ctx)
	}()

	// 检测事件摄入（阻塞在当前协程）
	if err := e.detectionConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start detection consumer: %w", err)
	}

	e.wg.Wait()
	return nil
}

// runConsumer 为事件消费者建立订阅并启动协程
func (e *Engine) runConsumer(ctx context.Context, name string, run func(context.Context, <-chan events.Event)) {
	sub := e.bus.Subscribe(256)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		run(ctx, sub)
		e.logger.Info("Event consumer stopped", zap.String("consumer", name))
	}()
}

// pruneLoop 定期清理超过保留期的终态报警
func (e *Engine) pruneLoop(ctx context.Context) {
	interval := time.Duration(e.config.Lifecycle.PruneIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := e.manager.PruneExpired()
			if pruned > 0 {
				e.logger.Info("Pruned expired alerts", zap.Int("count", pruned))
			}
		}
	}
}

// Stop 停止引擎并释放连接
func (e *Engine) Stop() error {
	e.logger.Info("Stopping fall alert engine")

	e.bus.Close()

	if e.mqttClient != nil {
		e.mqttClient.Disconnect()
	}

	if err := rediscommon.Close(e.redisClient); err != nil {
		e.logger.Error("Failed to close redis", zap.Error(err))
	}

	if err := database.Close(e.db); err != nil {
		e.logger.Error("Failed to close database", zap.Error(err))
	}

	return nil
}
