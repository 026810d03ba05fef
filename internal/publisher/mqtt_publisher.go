package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fallsentry/internal/clock"
	"fallsentry/internal/config"
	"fallsentry/internal/events"

	"go.uber.org/zap"
)

// Broker 出站消息通道（生产环境为 pkg/mqtt 客户端）
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// Envelope 出站事件信封
type Envelope struct {
	EventType string      `json:"event_type"`
	TenantID  string      `json:"tenant_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// MQTTPublisher 报警事件出站发布器
// 订阅内部事件总线，把每条事件包装进信封后推送到 MQTT。
// 紧急响应事件额外推送到专用 emergency 主题（QoS 1）
type MQTTPublisher struct {
	cfg      *config.Config
	broker   Broker
	tenantID string
	clk      clock.Clock
	logger   *zap.Logger
}

// NewMQTTPublisher 创建发布器
func NewMQTTPublisher(cfg *config.Config, broker Broker, tenantID string, clk clock.Clock, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		cfg:      cfg,
		broker:   broker,
		tenantID: tenantID,
		clk:      clk,
		logger:   logger,
	}
}

// Run 消费事件并发布（阻塞直到 ctx 取消）
func (p *MQTTPublisher) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := p.publish(ev); err != nil {
				p.logger.Error("Failed to publish event",
					zap.String("event_type", string(ev.EventType())),
					zap.Error(err),
				)
			}
		}
	}
}

// publish 发布单条事件
func (p *MQTTPublisher) publish(ev events.Event) error {
	if !p.broker.IsConnected() {
		return fmt.Errorf("mqtt broker not connected")
	}

	envelope := Envelope{
		EventType: string(ev.EventType()),
		TenantID:  p.tenantID,
		Timestamp: p.clk.Now(),
		Payload:   ev,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	topic := p.EventTopic(ev.EventType())
	if err := p.broker.Publish(topic, 0, false, payload); err != nil {
		return err
	}

	// 紧急响应走专用主题，QoS 1 保证调度端至少收到一次
	if ev.EventType() == events.TypeEmergencyTriggered {
		if err := p.broker.Publish(p.EmergencyTopic(), 1, false, payload); err != nil {
			return err
		}
	}

	p.logger.Debug("Published event",
		zap.String("topic", topic),
		zap.String("event_type", string(ev.EventType())),
	)

	return nil
}

// EventTopic 事件主题：<prefix>/<tenant>/events/<type>
func (p *MQTTPublisher) EventTopic(eventType events.Type) string {
	return fmt.Sprintf("%s/%s/events/%s", p.cfg.Publish.TopicPrefix, p.tenantID, eventType)
}

// EmergencyTopic 紧急响应主题：<prefix>/<tenant>/emergency
func (p *MQTTPublisher) EmergencyTopic() string {
	return fmt.Sprintf("%s/%s/emergency", p.cfg.Publish.TopicPrefix, p.tenantID)
}
