package conn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/BetaCatPro/chatgate/internal/compression"
	"github.com/BetaCatPro/chatgate/internal/errors"
	"github.com/BetaCatPro/chatgate/internal/utils"
	"github.com/BetaCatPro/chatgate/pkg/types"
)

// FrameClass 发送帧类别
type FrameClass int

const (
	FrameOrdinary FrameClass = iota // 受发送窗口限制
	FramePriority                   // 心跳与关闭帧，不受窗口限制
)

// CloseReason 连接关闭原因
type CloseReason struct {
	Code int
	Text string
}

// Options 连接参数
type Options struct {
	FrameLimit       int
	FramePeriod      time.Duration
	BufferSize       int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
	Compressor       compression.Compressor
	Logger           types.Logger
}

func (o Options) withDefaults() Options {
	if o.FrameLimit <= 0 {
		o.FrameLimit = types.DefaultFrameLimit
	}
	if o.FramePeriod <= 0 {
		o.FramePeriod = types.DefaultFramePeriod
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1000
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Compressor == nil {
		o.Compressor = compression.GetCompressor("zlib")
	}
	o.Logger = types.OrDefault(o.Logger)
	return o
}

type frame struct {
	messageType int
	data        []byte
}

// Connection 单条 WebSocket 连接，带普通与优先两条发送队列
type Connection struct {
	id     string
	ws     *websocket.Conn
	opts   Options
	logger types.Logger
	window *Window

	sendMutex sync.Mutex // 发送锁
	ordinary  chan frame
	priority  chan frame

	closeOnce   sync.Once
	localClosed atomic.Bool
	running     atomic.Bool
	finished    atomic.Bool

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
}

// Dial 建立 WebSocket 连接
func Dial(ctx context.Context, url string, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "dial "+url)
	}
	return NewConnection(ws, opts), nil
}

// NewConnection 包装已建立的 WebSocket 连接
func NewConnection(ws *websocket.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		id:       utils.GenerateConnectionID(),
		ws:       ws,
		opts:     opts,
		logger:   opts.Logger,
		window:   NewWindow(opts.FrameLimit, opts.FramePeriod),
		ordinary: make(chan frame, opts.BufferSize),
		priority: make(chan frame, opts.BufferSize),
	}
}

// Run 启动读取与两个发送协程，阻塞到连接结束。
// 服务端关闭时返回其关闭码，本地先关闭或 ctx 取消时返回 nil，传输错误返回 1006。
func (c *Connection) Run(ctx context.Context, onFrame func([]byte)) *CloseReason {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.running.Store(true)
	defer func() {
		c.running.Store(false)
		c.finished.Store(true)
	}()

	var (
		once   sync.Once
		reason *CloseReason
		wg     sync.WaitGroup
	)
	finish := func(r *CloseReason) {
		once.Do(func() { reason = r })
		cancel()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		c.drain(ctx, c.priority, false, finish)
	}()
	go func() {
		defer wg.Done()
		c.drain(ctx, c.ordinary, true, finish)
	}()
	go func() {
		defer wg.Done()
		finish(c.read(onFrame))
	}()

	<-ctx.Done()
	finish(nil)
	c.ws.Close()
	wg.Wait()

	if reason != nil {
		c.logger.Debugf("conn %s: closed by remote, code %d %s", c.id, reason.Code, reason.Text)
	}
	return reason
}

func (c *Connection) read(onFrame func([]byte)) *CloseReason {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.localClosed.Load() {
				return nil
			}
			if ce, ok := err.(*websocket.CloseError); ok {
				return &CloseReason{Code: ce.Code, Text: ce.Text}
			}
			return &CloseReason{Code: websocket.CloseAbnormalClosure, Text: err.Error()}
		}
		c.received.Inc()

		if msgType == websocket.BinaryMessage && compression.IsCompressed(data) {
			inflated, err := c.opts.Compressor.Decompress(data)
			if err != nil {
				c.logger.Warnf("conn %s: skip frame, %+v", c.id, err)
				continue
			}
			data = inflated
		}

		if onFrame != nil {
			onFrame(data)
		}
	}
}

// drain 将队列写入连接，limited 为 true 时受发送窗口约束
func (c *Connection) drain(ctx context.Context, queue chan frame, limited bool, finish func(*CloseReason)) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-queue:
			if limited {
				if err := c.window.Wait(ctx); err != nil {
					return
				}
			}
			if err := c.write(f); err != nil {
				if f.messageType == websocket.CloseMessage || c.localClosed.Load() {
					finish(nil)
					return
				}
				finish(&CloseReason{Code: websocket.CloseAbnormalClosure, Text: err.Error()})
				return
			}
			c.sent.Inc()
			if f.messageType == websocket.CloseMessage {
				finish(nil)
				return
			}
		}
	}
}

// write 写入消息到WebSocket连接
func (c *Connection) write(f frame) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if f.messageType == websocket.CloseMessage {
		return c.ws.WriteControl(websocket.CloseMessage, f.data, deadline)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(f.messageType, f.data)
}

// Send 将文本帧放入对应队列；连接关闭后静默丢弃
func (c *Connection) Send(data []byte, class FrameClass) error {
	if c.localClosed.Load() || c.finished.Load() {
		c.dropped.Inc()
		return nil
	}

	queue := c.ordinary
	if class == FramePriority {
		queue = c.priority
	}

	select {
	case queue <- frame{messageType: websocket.TextMessage, data: data}:
		return nil
	default:
		c.dropped.Inc()
		return errors.ErrBufferFull
	}
}

// Close 通过优先队列发送关闭帧，之后的 Send 被丢弃
func (c *Connection) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.localClosed.Store(true)
		data := websocket.FormatCloseMessage(code, text)

		if c.running.Load() {
			select {
			case c.priority <- frame{messageType: websocket.CloseMessage, data: data}:
				return
			default:
			}
		}

		c.sendMutex.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, data, time.Now().Add(c.opts.WriteTimeout))
		c.sendMutex.Unlock()
		c.ws.Close()
	})
}

// Reserve 按每个窗口预计的优先帧数量扣减普通帧名额
func (c *Connection) Reserve(n int) {
	c.window.Reserve(n)
}

// GetID 获取连接ID
func (c *Connection) GetID() string {
	return c.id
}

// IsConnected 检查连接状态
func (c *Connection) IsConnected() bool {
	return c.running.Load() && !c.localClosed.Load()
}

// GetStats 获取连接统计信息
func (c *Connection) GetStats() types.ConnectionStats {
	stats := types.ConnectionStats{
		TotalMessages:   c.sent.Load() + c.received.Load(),
		DroppedMessages: c.dropped.Load(),
	}
	if c.IsConnected() {
		stats.ActiveConnections = 1
	}
	return stats
}
