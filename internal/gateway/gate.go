package gateway

import (
	"context"
	"sync"
)

// gate 只触发一次的放行信号，所有等待者同时放行
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *gate) Opened() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
