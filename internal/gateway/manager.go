package gateway

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BetaCatPro/chatgate/internal/errors"
	"github.com/BetaCatPro/chatgate/internal/protocol"
	"github.com/BetaCatPro/chatgate/pkg/types"
)

// ShardManager 分片管理器，每个分片一条网关会话，共享 identify 限流
type ShardManager struct {
	shards      map[int]*Gateway
	ids         []int
	config      types.GatewayConfig
	mutex       sync.RWMutex
	errorCenter *errors.ErrorCenter
	limiter     *rate.Limiter
}

// NewShardManager 为 config.ShardIDs 中的每个分片创建会话；ShardIDs 为空时只创建 config.ShardID
func NewShardManager(config types.GatewayConfig, logger types.Logger, errorCenter *errors.ErrorCenter) *ShardManager {
	if errorCenter == nil {
		errorCenter = errors.NewErrorCenter()
	}
	count := config.ShardCount
	if count < 1 {
		count = 1
	}
	ids := slices.Clone(config.ShardIDs)
	if len(ids) == 0 {
		ids = []int{config.ShardID}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	manager := &ShardManager{
		shards:      make(map[int]*Gateway, len(ids)),
		ids:         ids,
		config:      config,
		errorCenter: errorCenter,
		limiter:     IdentifyLimiter(config.IdentifyInterval),
	}
	for _, id := range ids {
		cfg := config
		cfg.ShardID = id
		cfg.ShardCount = count
		manager.shards[id] = NewWithLimiter(cfg, logger, errorCenter, manager.limiter)
	}
	return manager
}

// AddListener 为所有分片注册监听者
func (sm *ShardManager) AddListener(fn Listener) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	for _, g := range sm.shards {
		g.AddListener(fn)
	}
}

// Connect 并发连接所有分片，阻塞到全部结束，返回第一个致命错误
func (sm *ShardManager) Connect(ctx context.Context) error {
	sm.mutex.RLock()
	shards := make([]*Gateway, 0, len(sm.shards))
	for _, g := range sm.shards {
		shards = append(shards, g)
	}
	sm.mutex.RUnlock()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, g := range shards {
		wg.Add(1)
		go func(g *Gateway) {
			defer wg.Done()
			if err := g.Connect(ctx); err != nil {
				once.Do(func() { firstErr = err })
			}
		}(g)
	}
	wg.Wait()
	return firstErr
}

// GetShard 获取分片
func (sm *ShardManager) GetShard(id int) (*Gateway, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	g, exists := sm.shards[id]
	return g, exists
}

// ShardIDs 本管理器运行的分片序号，升序
func (sm *ShardManager) ShardIDs() []int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return slices.Clone(sm.ids)
}

// ShardCount 本管理器运行的分片数
func (sm *ShardManager) ShardCount() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return len(sm.shards)
}

// UpdateStatus 向所有在线分片广播状态
func (sm *ShardManager) UpdateStatus(presence protocol.Presence) error {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	var firstErr error
	for _, g := range sm.shards {
		if err := g.UpdateStatus(presence); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Latency 所有分片的平均心跳延迟
func (sm *ShardManager) Latency() time.Duration {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	if len(sm.shards) == 0 {
		return 0
	}
	var total time.Duration
	for _, g := range sm.shards {
		total += g.Latency()
	}
	return total / time.Duration(len(sm.shards))
}

// GetStats 获取各分片统计信息
func (sm *ShardManager) GetStats() []types.GatewayStats {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	stats := make([]types.GatewayStats, 0, len(sm.ids))
	for _, id := range sm.ids {
		stats = append(stats, sm.shards[id].Stats())
	}
	return stats
}

// CloseAll 断开所有分片
func (sm *ShardManager) CloseAll() {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	for _, g := range sm.shards {
		g.Disconnect()
	}
}
