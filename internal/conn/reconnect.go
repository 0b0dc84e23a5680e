package conn

import (
	"context"
	"sync"
	"time"

	"github.com/BetaCatPro/chatgate/internal/utils"
	"github.com/BetaCatPro/chatgate/pkg/types"
)

// Backoff 指数退避计数器
type Backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	attempt int
}

// NewBackoff 创建退避计数器
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max}
}

// Next 返回下一次等待时长并递增尝试次数
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := utils.CalculateBackoff(b.attempt, b.base, b.max)
	b.attempt++
	return d
}

// Reset 连接成功后清零
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempts 已经退避的次数
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Wait 等待下一次退避时长
func (b *Backoff) Wait(ctx context.Context) error {
	return Sleep(ctx, b.Next())
}

// Sleep 可取消的等待
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DialWithBackoff 使用指数退避拨号直到成功或 ctx 结束，url 在每次尝试时重新取值
func DialWithBackoff(ctx context.Context, url func() string, opts Options, backoff *Backoff, logger types.Logger) (*Connection, error) {
	logger = types.OrDefault(logger)
	for {
		target := url()
		c, err := Dial(ctx, target, opts)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := backoff.Next()
		logger.Warnf("dial %s failed (attempt %d), retry in %s, %+v", target, backoff.Attempts(), wait, err)
		if err := Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}
