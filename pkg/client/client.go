package client

import (
	"context"
	"time"

	"github.com/BetaCatPro/chatgate/internal/errors"
	"github.com/BetaCatPro/chatgate/internal/gateway"
	"github.com/BetaCatPro/chatgate/internal/protocol"
	"github.com/BetaCatPro/chatgate/internal/rest"
	"github.com/BetaCatPro/chatgate/pkg/types"
)

// 对外暴露的类型
type (
	Event               = gateway.Event
	Listener            = gateway.Listener
	Request             = rest.Request
	Response            = rest.Response
	HTTPError           = rest.HTTPError
	Route               = rest.Route
	Presence            = protocol.Presence
	Activity            = protocol.Activity
	RequestGuildMembers = protocol.RequestGuildMembers
)

// Client 网关与 REST 的组合客户端
type Client struct {
	config      types.Config
	logger      types.Logger
	errorCenter *errors.ErrorCenter
	shards      *gateway.ShardManager
	requester   *rest.Requester
}

// New 创建客户端，Config.Token 会填充到未设置令牌的子配置
func New(config types.Config) (*Client, error) {
	if config.Gateway.Token == "" {
		config.Gateway.Token = config.Token
	}
	if config.Rest.Token == "" {
		config.Rest.Token = config.Token
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := types.OrDefault(config.Logger)
	errorCenter := errors.NewErrorCenter()
	return &Client{
		config:      config,
		logger:      logger,
		errorCenter: errorCenter,
		shards:      gateway.NewShardManager(config.Gateway, logger, errorCenter),
		requester:   rest.New(config.Rest, logger),
	}, nil
}

// On 注册网关事件监听者
func (c *Client) On(fn Listener) {
	c.shards.AddListener(fn)
}

// OnFatal 注册致命关闭回调，网关因 CLOSE 类关闭码停止时触发
func (c *Client) OnFatal(fn func(error)) {
	c.errorCenter.AddErrorCallback(fn)
}

// Connect 连接本进程负责的分片（Gateway.ShardIDs，为空时为 Gateway.ShardID），阻塞到全部停止
func (c *Client) Connect(ctx context.Context) error {
	return c.shards.Connect(ctx)
}

// Disconnect 断开所有分片
func (c *Client) Disconnect() {
	c.shards.CloseAll()
}

// UpdateStatus 向所有分片广播在线状态
func (c *Client) UpdateStatus(presence Presence) error {
	return c.shards.UpdateStatus(presence)
}

// RequestGuildMembers 通过服务器所在分片请求成员列表
func (c *Client) RequestGuildMembers(shardID int, req RequestGuildMembers) error {
	g, ok := c.shards.GetShard(shardID)
	if !ok {
		return errors.ErrNotConnected
	}
	return g.RequestGuildMembers(req)
}

// Submit 提交 REST 请求
func (c *Client) Submit(ctx context.Context, req *Request) (*Response, error) {
	return c.requester.Submit(ctx, req)
}

// Rest 底层 REST 请求器
func (c *Client) Rest() *rest.Requester {
	return c.requester
}

// Shard 获取分片会话
func (c *Client) Shard(id int) (*gateway.Gateway, bool) {
	return c.shards.GetShard(id)
}

// Latency 平均心跳延迟
func (c *Client) Latency() time.Duration {
	return c.shards.Latency()
}

// Stats 各分片统计信息
func (c *Client) Stats() []types.GatewayStats {
	return c.shards.GetStats()
}
