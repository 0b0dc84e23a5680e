package types

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/BetaCatPro/chatgate/internal/utils"
)

// 默认值
const (
	DefaultGatewayURL       = "wss://gateway.discord.gg"
	DefaultGatewayVersion   = 10
	DefaultRestURL          = "https://discord.com/api/v10"
	DefaultFrameLimit       = 120
	DefaultFramePeriod      = 60 * time.Second
	DefaultIdentifyInterval = 5 * time.Second
	DefaultRequestTimeout   = 15 * time.Second
	DefaultUserAgent        = "DiscordBot (https://github.com/BetaCatPro/chatgate, 1.0.0)"
)

// Config 客户端总配置
type Config struct {
	Token   string        // 认证令牌，Gateway 与 REST 共用
	Gateway GatewayConfig // 网关配置
	Rest    RestConfig    // REST 配置
	Logger  Logger        // 日志输出，nil 时使用 DefaultLogger
}

// GatewayConfig 网关会话配置
type GatewayConfig struct {
	Token          string             // 认证令牌
	URL            string             // 网关地址
	Version        int                // 网关协议版本
	Encoding       string             // 负载编码，目前只支持 json
	Compress       bool               // 是否请求 zlib 压缩负载
	Intents        int                // 事件订阅位
	ShardID        int                // 分片序号
	ShardCount     int                // 分片总数
	ShardIDs       []int              // 本进程运行的分片，为空时只运行 ShardID，见 AllShards
	LargeThreshold int                // 大型服务器成员阈值
	Properties     IdentifyProperties // identify 连接属性
	Presence       interface{}        // identify 时携带的初始状态

	FrameLimit  int           // 每个窗口内允许发送的普通帧数
	FramePeriod time.Duration // 限流窗口长度

	ReconnectBaseTime       time.Duration // 拨号失败后的基础退避时间
	MaxReconnectDelay       time.Duration // 最大退避时间
	InvalidSessionJitterMin time.Duration // invalid session 后的最小等待
	InvalidSessionJitterMax time.Duration // invalid session 后的最大等待
	IdentifyInterval        time.Duration // 两次 identify 之间的最小间隔

	BufferSize       int           // 发送队列长度
	EventBufferSize  int           // 事件分发队列初始容量，队列不设上限
	HandshakeTimeout time.Duration // websocket 握手超时
	WriteTimeout     time.Duration // 单帧写超时
}

// IdentifyProperties identify 连接属性
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// RestConfig REST 请求器配置
type RestConfig struct {
	Token          string        // 认证令牌
	TokenType      string        // Authorization 前缀，默认 Bot
	BaseURL        string        // API 根地址
	UserAgent      string        // User-Agent
	RequestTimeout time.Duration // 单次 HTTP 调用超时
	RetryAfterUnit time.Duration // 429 响应体中 retry_after 的单位
	HTTP2          bool          // 是否启用 HTTP/2
	HTTPClient     *http.Client  // 自定义 HTTP 客户端
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ActiveConnections int   // 活跃连接数
	TotalMessages     int64 // 总消息数
	DroppedMessages   int64 // 丢弃消息数
	ReconnectAttempts int   // 重连尝试次数
}

// GatewayStats 网关会话统计
type GatewayStats struct {
	ShardID    int
	State      string
	SessionID  string
	Sequence   int64
	Latency    time.Duration
	Identifies int64
	Resumes    int64
	Connection ConnectionStats

	HeartbeatInterval time.Duration // 最近一次 hello 下发的心跳间隔
}

// DefaultGatewayConfig 返回网关默认配置
func DefaultGatewayConfig(token string) GatewayConfig {
	return GatewayConfig{
		Token:      token,
		URL:        DefaultGatewayURL,
		Version:    DefaultGatewayVersion,
		Encoding:   "json",
		ShardCount: 1,
		Properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "chatgate",
			Device:  "chatgate",
		},
		LargeThreshold:          250,
		FrameLimit:              DefaultFrameLimit,
		FramePeriod:             DefaultFramePeriod,
		ReconnectBaseTime:       time.Second,
		MaxReconnectDelay:       2 * time.Minute,
		InvalidSessionJitterMin: time.Second,
		InvalidSessionJitterMax: 5 * time.Second,
		IdentifyInterval:        DefaultIdentifyInterval,
		BufferSize:              1000,
		EventBufferSize:         256,
		HandshakeTimeout:        10 * time.Second,
		WriteTimeout:            10 * time.Second,
	}
}

// DefaultRestConfig 返回 REST 默认配置
func DefaultRestConfig(token string) RestConfig {
	return RestConfig{
		Token:          token,
		TokenType:      "Bot",
		BaseURL:        DefaultRestURL,
		UserAgent:      DefaultUserAgent,
		RequestTimeout: DefaultRequestTimeout,
		RetryAfterUnit: time.Millisecond,
		HTTP2:          true,
	}
}

// AllShards 返回 0..count-1，赋给 ShardIDs 表示由本进程运行全部分片
func AllShards(count int) []int {
	ids := make([]int, 0, count)
	for id := 0; id < count; id++ {
		ids = append(ids, id)
	}
	return ids
}

// DefaultConfig 返回总默认配置
func DefaultConfig(token string) Config {
	return Config{
		Token:   token,
		Gateway: DefaultGatewayConfig(token),
		Rest:    DefaultRestConfig(token),
	}
}

// Validate 校验网关配置
func (c GatewayConfig) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("gateway: Token required")
	}
	if !utils.IsValidURL(c.URL) {
		return fmt.Errorf("gateway: URL %q must start with ws:// or wss://", c.URL)
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("gateway: ShardCount must be >= 1, got %d", c.ShardCount)
	}
	if c.ShardID < 0 || c.ShardID >= c.ShardCount {
		return fmt.Errorf("gateway: ShardID %d out of range [0, %d)", c.ShardID, c.ShardCount)
	}
	seen := make(map[int]bool, len(c.ShardIDs))
	for _, id := range c.ShardIDs {
		if id < 0 || id >= c.ShardCount {
			return fmt.Errorf("gateway: ShardIDs entry %d out of range [0, %d)", id, c.ShardCount)
		}
		if seen[id] {
			return fmt.Errorf("gateway: ShardIDs entry %d repeated", id)
		}
		seen[id] = true
	}
	if c.FrameLimit <= 0 {
		return fmt.Errorf("gateway: FrameLimit must be > 0")
	}
	if c.FramePeriod <= 0 {
		return fmt.Errorf("gateway: FramePeriod must be > 0")
	}
	if c.InvalidSessionJitterMax < c.InvalidSessionJitterMin {
		return fmt.Errorf("gateway: InvalidSessionJitterMax < InvalidSessionJitterMin")
	}
	if c.Encoding != "" && c.Encoding != "json" {
		return fmt.Errorf("gateway: unsupported encoding %q", c.Encoding)
	}
	return nil
}

// Validate 校验 REST 配置
func (c RestConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("rest: BaseURL required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("rest: RequestTimeout must be > 0")
	}
	if c.RetryAfterUnit <= 0 {
		return fmt.Errorf("rest: RetryAfterUnit must be > 0")
	}
	return nil
}

// Validate 校验总配置
func (c Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("Token required")
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	return c.Rest.Validate()
}
