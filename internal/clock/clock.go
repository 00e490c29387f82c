package clock

import (
	"sync"
	"time"
)

// Clock 给服务和后台任务注入时间。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem 基于 time.Now 的时钟，统一用 UTC，落库的时间才能直接比较。
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual 可手动拨动的时钟，测试用。
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 时钟前进 d。
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
