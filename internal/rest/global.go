package rest

import (
	"context"
	"sync"
	"time"
)

// GlobalGate 全局限流信号，同一时间最多一个等待计时器
type GlobalGate struct {
	mu      sync.Mutex
	release chan struct{}
	until   time.Time
}

// NewGlobalGate 创建全局限流信号
func NewGlobalGate() *GlobalGate {
	return &GlobalGate{}
}

// Set 开启全局等待 d；已有等待时合并到现有计时器并返回 false
func (g *GlobalGate) Set(d time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.release != nil {
		return false
	}

	ch := make(chan struct{})
	g.release = ch
	g.until = time.Now().Add(d)
	time.AfterFunc(d, func() {
		g.mu.Lock()
		g.release = nil
		g.until = time.Time{}
		g.mu.Unlock()
		close(ch)
	})
	return true
}

// Wait 全局等待开启时阻塞到其解除
func (g *GlobalGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.release
	g.mu.Unlock()
	if ch == nil {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active 是否处于全局等待
func (g *GlobalGate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.release != nil
}

// Remaining 距离解除的时间
func (g *GlobalGate) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.release == nil {
		return 0
	}
	return time.Until(g.until)
}
