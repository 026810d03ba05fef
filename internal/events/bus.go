package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Bus 进程内事件总线
// 发布方从不阻塞：订阅者缓冲满时丢弃并计数（热力图/缓存允许轻微滞后，
// 但生命周期操作不能被下游拖住）
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
	logger *zap.Logger

	dropped int64
}

// NewBus 创建事件总线
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
	}
}

// Subscribe 注册订阅者，返回缓冲通道
// buffer <= 0 时使用默认缓冲 256
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish 发布事件到所有订阅者（非阻塞）
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// 订阅者积压，丢弃事件
			atomic.AddInt64(&b.dropped, 1)
			b.logger.Warn("event dropped, subscriber buffer full",
				zap.String("event_type", string(ev.EventType())),
			)
		}
	}
}

// Dropped 返回累计丢弃的事件数
func (b *Bus) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close 关闭总线和所有订阅通道
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
