package clock

import (
	"sync"
	"time"
)

// Clock 时间源抽象（超时/衰减逻辑依赖注入时钟，便于确定性测试）
type Clock interface {
	Now() time.Time
}

// SystemClock 系统时钟（UTC）
type SystemClock struct{}

// Now 返回当前UTC时间
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock 测试用的可控时钟
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 创建固定起点的测试时钟
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now 返回当前设定的时间
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 前进指定时长
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set 设置当前时间
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
