package conn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/BetaCatPro/chatgate/pkg/types"
)

// HeartbeatState 心跳状态
type HeartbeatState int32

const (
	HeartbeatDead        HeartbeatState = iota // 未启动或已停止
	HeartbeatAwaitingAck                       // 已发送心跳，等待确认
	HeartbeatResting                           // 已确认，等待下一次心跳
)

func (s HeartbeatState) String() string {
	switch s {
	case HeartbeatAwaitingAck:
		return "awaiting_ack"
	case HeartbeatResting:
		return "resting"
	default:
		return "dead"
	}
}

// Heartbeat 心跳监控器
type Heartbeat struct {
	logger types.Logger

	interval atomic.Duration
	state    atomic.Int32
	latency  atomic.Duration
	sentAt   atomic.Time

	mu     sync.Mutex
	beat   func() error
	cancel context.CancelFunc
}

// NewHeartbeat 创建心跳监控器
func NewHeartbeat(logger types.Logger) *Heartbeat {
	h := &Heartbeat{logger: types.OrDefault(logger)}
	h.state.Store(int32(HeartbeatDead))
	return h
}

// SetInterval 设置心跳间隔，每次 hello 时调用
func (h *Heartbeat) SetInterval(d time.Duration) {
	h.interval.Store(d)
}

// Interval 当前心跳间隔
func (h *Heartbeat) Interval() time.Duration {
	return h.interval.Load()
}

// Start 启动心跳循环：立即发送一次心跳，之后每个间隔检查确认情况。
// 上一次心跳未被确认时停止循环并调用一次 onDeath，不再发送心跳。
// 间隔不为正时不启动，状态保持 Dead 并返回 false。
func (h *Heartbeat) Start(ctx context.Context, beat func() error, onDeath func()) bool {
	h.Kill()

	if interval := h.interval.Load(); interval <= 0 {
		h.logger.Warnf("heartbeat: refuse to start with non-positive interval %s", interval)
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.beat = beat
	h.cancel = cancel
	h.mu.Unlock()

	h.state.Store(int32(HeartbeatResting))
	go h.loop(loopCtx, onDeath)
	return true
}

func (h *Heartbeat) loop(ctx context.Context, onDeath func()) {
	interval := h.interval.Load()
	h.Beat()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// Kill 与到期同时发生时以 Kill 为准
		if ctx.Err() != nil {
			return
		}

		if h.State() == HeartbeatAwaitingAck {
			h.state.Store(int32(HeartbeatDead))
			h.logger.Warnf("heartbeat: no ack within %s", interval)
			if onDeath != nil {
				onDeath()
			}
			return
		}

		h.Beat()
		timer.Reset(interval)
	}
}

// Beat 发送一次心跳，状态变为 AwaitingAck；Dead 状态下只发送，不改变状态
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	beat := h.beat
	h.mu.Unlock()

	h.sentAt.Store(time.Now())
	for {
		cur := h.state.Load()
		if cur == int32(HeartbeatDead) || h.state.CompareAndSwap(cur, int32(HeartbeatAwaitingAck)) {
			break
		}
	}
	h.logger.Debugf("heartbeat: beat (%s)", h.State())

	if beat == nil {
		return
	}
	if err := beat(); err != nil {
		h.logger.Warnf("heartbeat: send failed, %+v", err)
	}
}

// Acknowledge 确认心跳，仅 AwaitingAck -> Resting 生效
func (h *Heartbeat) Acknowledge() {
	if !h.state.CompareAndSwap(int32(HeartbeatAwaitingAck), int32(HeartbeatResting)) {
		return
	}
	h.latency.Store(time.Since(h.sentAt.Load()))
	h.logger.Debugf("heartbeat: ack, latency %s", h.latency.Load())
}

// Kill 停止心跳循环，可重复调用
func (h *Heartbeat) Kill() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.state.Store(int32(HeartbeatDead))
}

// State 当前状态
func (h *Heartbeat) State() HeartbeatState {
	return HeartbeatState(h.state.Load())
}

// Latency 最近一次往返延迟，未完成往返前为 0
func (h *Heartbeat) Latency() time.Duration {
	return h.latency.Load()
}
