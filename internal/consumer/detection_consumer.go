package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fallsentry/internal/classifier"
	"fallsentry/internal/config"
	"fallsentry/internal/lifecycle"
	"fallsentry/internal/models"
	rediscommon "fallsentry/pkg/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Metrics 监控指标
type Metrics struct {
	mu sync.RWMutex

	// 消息处理统计
	MessagesProcessed int64 // 处理的消息总数
	MessagesSucceeded int64 // 成功处理的消息数
	MessagesFailed    int64 // 处理失败的消息数
	MessagesMerged    int64 // 合并进已有报警的消息数

	// 错误分类统计
	ErrorsParse      int64 // 解析错误
	ErrorsValidation int64 // 检测事件校验失败
	ErrorsIngest     int64 // 摄入失败

	// 性能指标
	TotalProcessingTime time.Duration // 总处理时间
	LastProcessTime     time.Time     // 最后处理时间

	// 启动时间
	StartTime time.Time
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		MessagesProcessed:   m.MessagesProcessed,
		MessagesSucceeded:   m.MessagesSucceeded,
		MessagesFailed:      m.MessagesFailed,
		MessagesMerged:      m.MessagesMerged,
		ErrorsParse:         m.ErrorsParse,
		ErrorsValidation:    m.ErrorsValidation,
		ErrorsIngest:        m.ErrorsIngest,
		TotalProcessingTime: m.TotalProcessingTime,
		LastProcessTime:     m.LastProcessTime,
		StartTime:           m.StartTime,
	}
}

// IncrementProcessed 增加处理计数
func (m *Metrics) IncrementProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesProcessed++
}

// IncrementSucceeded 增加成功计数
func (m *Metrics) IncrementSucceeded(duration time.Duration, merged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesSucceeded++
	if merged {
		m.MessagesMerged++
	}
	m.TotalProcessingTime += duration
	m.LastProcessTime = time.Now()
}

// IncrementFailed 增加失败计数
func (m *Metrics) IncrementFailed(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesFailed++
	switch errorType {
	case "parse":
		m.ErrorsParse++
	case "validation":
		m.ErrorsValidation++
	case "ingest":
		m.ErrorsIngest++
	}
}

// DetectionConsumer 检测事件消费者
// 从 Redis Streams 读取落地检测事件，经有界内存队列分发给工作协程，
// 由工作协程完成 分类 → 摄入 两步。队列满即阻塞读取端形成背压
type DetectionConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	classifier  *classifier.Classifier
	manager     *lifecycle.Manager
	logger      *zap.Logger
	metrics     *Metrics

	queue chan queuedDetection
}

type queuedDetection struct {
	streamID string
	det      models.DetectionEvent
}

// NewDetectionConsumer 创建检测事件消费者
func NewDetectionConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	cls *classifier.Classifier,
	manager *lifecycle.Manager,
	logger *zap.Logger,
) *DetectionConsumer {
	return &DetectionConsumer{
		config:      cfg,
		redisClient: redisClient,
		classifier:  cls,
		manager:     manager,
		logger:      logger,
		metrics: &Metrics{
			StartTime: time.Now(),
		},
		queue: make(chan queuedDetection, cfg.Detection.QueueSize),
	}
}

// Metrics 返回指标采集器
func (c *DetectionConsumer) Metrics() *Metrics {
	return c.metrics
}

// Start 启动消费者（阻塞直到 ctx 取消）
func (c *DetectionConsumer) Start(ctx context.Context) error {
	stream := c.config.Detection.Stream
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, stream, c.config.Detection.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
	}

	c.logger.Info("Detection consumer started",
		zap.String("stream", stream),
		zap.String("consumer_group", c.config.Detection.ConsumerGroup),
		zap.String("consumer_name", c.config.Detection.ConsumerName),
		zap.Int("workers", c.config.Detection.Workers),
		zap.Int("queue_size", c.config.Detection.QueueSize),
	)

	// 启动工作协程池
	var wg sync.WaitGroup
	for i := 0; i < c.config.Detection.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.workerLoop(ctx, id)
		}(i)
	}

	// 启动指标报告协程
	metricsCtx, metricsCancel := context.WithCancel(ctx)
	defer metricsCancel()
	go c.reportMetrics(metricsCtx)

	// 读取循环，失败时指数退避
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			close(c.queue)
			wg.Wait()
			return nil
		default:
			if err := c.consumeStream(ctx, stream); err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				c.logger.Error("Failed to consume stream",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				select {
				case <-ctx.Done():
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				backoffDuration = time.Second
			}
		}
	}
}

// consumeStream 读取一批消息并入队
func (c *DetectionConsumer) consumeStream(ctx context.Context, stream string) error {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		stream,
		c.config.Detection.ConsumerGroup,
		c.config.Detection.ConsumerName,
		c.config.Detection.ReadBatch,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		c.metrics.IncrementProcessed()

		det, err := c.parseMessage(msg)
		if err != nil {
			// 坏消息直接确认丢弃，不能阻塞流
			c.logger.Error("Discarding malformed detection message",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
			c.ack(ctx, stream, msg.ID)
			continue
		}

		select {
		case c.queue <- queuedDetection{streamID: msg.ID, det: det}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// parseMessage 解析并校验单条流消息
func (c *DetectionConsumer) parseMessage(msg rediscommon.StreamMessage) (models.DetectionEvent, error) {
	var det models.DetectionEvent

	val, ok := msg.Values["data"]
	if !ok {
		c.metrics.IncrementFailed("parse")
		return det, fmt.Errorf("missing data field in message")
	}
	dataStr, ok := val.(string)
	if !ok {
		c.metrics.IncrementFailed("parse")
		return det, fmt.Errorf("invalid data format in message")
	}

	if err := json.Unmarshal([]byte(dataStr), &det); err != nil {
		c.metrics.IncrementFailed("parse")
		return det, fmt.Errorf("failed to unmarshal detection event: %w", err)
	}

	if err := det.Validate(); err != nil {
		c.metrics.IncrementFailed("validation")
		return det, fmt.Errorf("invalid detection event: %w", err)
	}

	return det, nil
}

// workerLoop 工作协程：分类 → 摄入 → 确认
func (c *DetectionConsumer) workerLoop(ctx context.Context, id int) {
	for queued := range c.queue {
		startTime := time.Now()
		det := queued.det

		severity := c.classifier.Classify(det, classifier.Context{
			PriorIncidentsAtLocation: c.manager.PriorIncidents(det.RoomID),
			SubjectRiskProfile:       det.SubjectID,
		})

		alert, created, err := c.manager.Ingest(det, severity)
		if err != nil {
			c.metrics.IncrementFailed("ingest")
			c.logger.Error("Failed to ingest detection",
				zap.Int("worker", id),
				zap.String("stream_id", queued.streamID),
				zap.String("camera_id", det.CameraID),
				zap.Error(err),
			)
			c.ack(ctx, c.config.Detection.Stream, queued.streamID)
			continue
		}

		c.ack(ctx, c.config.Detection.Stream, queued.streamID)
		c.metrics.IncrementSucceeded(time.Since(startTime), !created)

		c.logger.Debug("Detection ingested",
			zap.Int("worker", id),
			zap.String("alert_id", alert.ID),
			zap.String("severity", string(severity)),
			zap.Bool("created", created),
		)
	}
}

// ack 确认流消息（失败只记日志，消息会留在 pending 列表）
func (c *DetectionConsumer) ack(ctx context.Context, stream, messageID string) {
	if err := rediscommon.AckMessage(ctx, c.redisClient, stream, c.config.Detection.ConsumerGroup, messageID); err != nil {
		c.logger.Warn("Failed to ack stream message",
			zap.String("stream_id", messageID),
			zap.Error(err),
		)
	}
}

// reportMetrics 定期报告指标（每60秒）
func (c *DetectionConsumer) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := c.metrics.GetSnapshot()
			uptime := time.Since(snapshot.StartTime)

			var avgProcessingTime time.Duration
			if snapshot.MessagesSucceeded > 0 {
				avgProcessingTime = snapshot.TotalProcessingTime / time.Duration(snapshot.MessagesSucceeded)
			}

			successRate := float64(0)
			if snapshot.MessagesProcessed > 0 {
				successRate = float64(snapshot.MessagesSucceeded) / float64(snapshot.MessagesProcessed) * 100
			}

			c.logger.Info("Metrics report",
				zap.Int64("messages_processed", snapshot.MessagesProcessed),
				zap.Int64("messages_succeeded", snapshot.MessagesSucceeded),
				zap.Int64("messages_failed", snapshot.MessagesFailed),
				zap.Int64("messages_merged", snapshot.MessagesMerged),
				zap.Float64("success_rate", successRate),
				zap.Int64("errors_parse", snapshot.ErrorsParse),
				zap.Int64("errors_validation", snapshot.ErrorsValidation),
				zap.Int64("errors_ingest", snapshot.ErrorsIngest),
				zap.Duration("avg_processing_time", avgProcessingTime),
				zap.Duration("uptime", uptime),
			)
		}
	}
}
