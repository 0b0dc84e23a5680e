package conn

import (
	"context"
	"sync"
	"time"
)

// Window 固定周期的发送计数窗口
type Window struct {
	mu      sync.Mutex
	limit   int
	reserve int
	period  time.Duration
	count   int
	resetAt time.Time
	now     func() time.Time
}

// NewWindow 创建窗口，每个 period 内最多 limit 帧
func NewWindow(limit int, period time.Duration) *Window {
	return &Window{
		limit:  limit,
		period: period,
		now:    time.Now,
	}
}

// Reserve 为优先帧预留 n 个名额
func (w *Window) Reserve(n int) {
	if n < 0 {
		n = 0
	}
	w.mu.Lock()
	w.reserve = n
	w.mu.Unlock()
}

// Budget 普通帧在每个窗口内的可用名额，至少为 1
func (w *Window) Budget() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.budget()
}

func (w *Window) budget() int {
	b := w.limit - w.reserve
	if b < 1 {
		return 1
	}
	return b
}

// Wait 占用一个名额，名额用尽时等待到窗口重置
func (w *Window) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := w.now()
		if w.resetAt.IsZero() || !now.Before(w.resetAt) {
			w.count = 0
			w.resetAt = now.Add(w.period)
		}
		if w.count < w.budget() {
			w.count++
			w.mu.Unlock()
			return nil
		}
		delay := w.resetAt.Sub(now)
		w.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
