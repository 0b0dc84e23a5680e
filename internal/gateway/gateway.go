package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/BetaCatPro/chatgate/internal/compression"
	"github.com/BetaCatPro/chatgate/internal/conn"
	"github.com/BetaCatPro/chatgate/internal/errors"
	"github.com/BetaCatPro/chatgate/internal/protocol"
	"github.com/BetaCatPro/chatgate/internal/utils"
	"github.com/BetaCatPro/chatgate/pkg/types"
)

// Gateway 网关会话管理器，负责 identify/resume、序号维护、事件分发与按关闭码重连
type Gateway struct {
	cfg         types.GatewayConfig
	logger      types.Logger
	errorCenter *errors.ErrorCenter
	protocol    protocol.MessageProtocol
	heartbeat   *conn.Heartbeat
	identify    *rate.Limiter

	sessionID atomic.String
	resumeURL atomic.String
	sequence  atomic.Int64
	state     atomic.Int32

	identifies atomic.Int64
	resumes    atomic.Int64
	reconnects atomic.Int64
	ready      atomic.Bool  // 当前连接是否已到达 READY/RESUMED
	localClose atomic.Int32 // 本地主动关闭时使用的关闭码
	stopped    atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	current *conn.Connection
	gate    *gate

	listenerMu sync.RWMutex
	listeners  []Listener
}

// IdentifyLimiter 按 interval 放行 identify 的限流器，interval<=0 时不限制
func IdentifyLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// New 创建网关会话
func New(cfg types.GatewayConfig, logger types.Logger, errorCenter *errors.ErrorCenter) *Gateway {
	return NewWithLimiter(cfg, logger, errorCenter, IdentifyLimiter(cfg.IdentifyInterval))
}

// NewWithLimiter 创建网关会话，多个分片共享同一个 identify 限流器
func NewWithLimiter(cfg types.GatewayConfig, logger types.Logger, errorCenter *errors.ErrorCenter, limiter *rate.Limiter) *Gateway {
	logger = types.OrDefault(logger)
	if errorCenter == nil {
		errorCenter = errors.NewErrorCenter()
	}
	g := &Gateway{
		cfg:         cfg,
		logger:      logger,
		errorCenter: errorCenter,
		protocol:    &protocol.JSONProtocol{},
		heartbeat:   conn.NewHeartbeat(logger),
		identify:    limiter,
	}
	g.state.Store(int32(StateDisconnected))
	return g
}

// AddListener 注册事件监听者，按注册顺序调用
func (g *Gateway) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	g.listenerMu.Lock()
	g.listeners = append(g.listeners, fn)
	g.listenerMu.Unlock()
}

// Connect 进入重连循环，直到 Disconnect、ctx 结束或遇到 CLOSE 类关闭码。
// CLOSE 类关闭返回包装了 ErrFatalClose 的错误，其余情况返回 nil。
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.cfg.Validate(); err != nil {
		return err
	}
	if _, err := protocol.GetProtocol(g.cfg.Encoding); err != nil {
		return err
	}

	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return errors.ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	g.running = true
	g.cancel = cancel
	g.stopped.Store(false)
	g.mu.Unlock()

	events := newEventQueue(g.eventBufferSize())
	go g.dispatch(ctx, events)

	defer func() {
		cancel()
		events.close()
		g.heartbeat.Kill()
		g.mu.Lock()
		g.running = false
		g.cancel = nil
		g.mu.Unlock()
	}()

	backoff := conn.NewBackoff(g.cfg.ReconnectBaseTime, g.cfg.MaxReconnectDelay)
	keepGoing := true
	for keepGoing {
		g.setState(StateConnecting)
		c, err := conn.DialWithBackoff(ctx, g.dialURL, g.connOptions(), backoff, g.logger)
		if err != nil {
			g.setState(StateClosed)
			return nil
		}

		reason := g.serve(ctx, c, events)
		if g.ready.Load() {
			backoff.Reset()
		}

		keepGoing, err = g.handleClose(ctx, reason)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}

		g.reconnects.Inc()
		if !g.ready.Load() {
			if err := backoff.Wait(ctx); err != nil {
				g.setState(StateClosed)
				return nil
			}
		}
	}
	return nil
}

// serve 运行一条连接直到其关闭
func (g *Gateway) serve(ctx context.Context, c *conn.Connection, events *eventQueue) *conn.CloseReason {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.ready.Store(false)
	g.localClose.Store(0)
	g.setCurrent(c)
	defer func() {
		g.heartbeat.Kill()
		g.setCurrent(nil)
		g.openGate()
	}()

	if g.stopped.Load() {
		c.Close(1000, "disconnect")
	}

	g.logger.Infof("gateway shard %d: connected (%s)", g.cfg.ShardID, c.GetID())
	return c.Run(connCtx, func(data []byte) {
		g.handleFrame(connCtx, c, data, events)
	})
}

// handleClose 根据关闭原因决定是否继续重连
func (g *Gateway) handleClose(ctx context.Context, reason *conn.CloseReason) (bool, error) {
	if g.stopped.Load() || ctx.Err() != nil {
		g.setState(StateClosed)
		g.logger.Infof("gateway shard %d: disconnected", g.cfg.ShardID)
		return false, nil
	}

	code, text := int(g.localClose.Swap(0)), ""
	if reason != nil {
		code, text = reason.Code, reason.Text
	}
	cc := ClassifyClose(code)
	g.setState(StateDisconnected)

	switch cc.Action {
	case ActionClose:
		g.setState(StateClosed)
		err := fmt.Errorf("%w: %d %s", errors.ErrFatalClose, cc.Code, cc.Reason)
		g.logger.Errorf("gateway shard %d: closed with %d (%s) %s, giving up", g.cfg.ShardID, cc.Code, cc.Reason, text)
		g.errorCenter.ReportError(err)
		return false, err
	case ActionRestart:
		g.logger.Warnf("gateway shard %d: closed with %d (%s), starting a new session", g.cfg.ShardID, cc.Code, cc.Reason)
		g.resetSession()
	default:
		g.logger.Warnf("gateway shard %d: closed with %d (%s), resuming", g.cfg.ShardID, cc.Code, cc.Reason)
	}
	return true, nil
}

// handleFrame 处理一帧入站消息，解码失败只记录日志
func (g *Gateway) handleFrame(ctx context.Context, c *conn.Connection, data []byte, events *eventQueue) {
	p, err := protocol.DecodePayload(g.protocol, data)
	if err != nil {
		g.logger.Warnf("gateway shard %d: skip undecodable frame, %+v", g.cfg.ShardID, err)
		return
	}

	switch p.Kind() {
	case protocol.KindHello:
		g.onHello(ctx, c, p)
	case protocol.KindHeartbeatAck:
		g.heartbeat.Acknowledge()
	case protocol.KindHeartbeat:
		g.heartbeat.Beat()
	case protocol.KindReconnect:
		g.logger.Infof("gateway shard %d: server requested reconnect", g.cfg.ShardID)
		g.closeLocal(c, CloseReconnectRequested)
	case protocol.KindInvalidSession:
		g.onInvalidSession(ctx, c, p)
	case protocol.KindReady, protocol.KindResumed, protocol.KindDispatch:
		if err := g.onDispatch(p); err != nil {
			g.logger.Warnf("gateway shard %d: skip %s, %+v", g.cfg.ShardID, p.T, err)
			return
		}
	}

	g.emit(p, events)
}

func (g *Gateway) onHello(ctx context.Context, c *conn.Connection, p protocol.Payload) {
	var hello protocol.Hello
	if err := g.protocol.Decode(p.D, &hello); err != nil {
		g.logger.Warnf("gateway shard %d: bad hello, %+v", g.cfg.ShardID, err)
		return
	}

	if hello.HeartbeatInterval <= 0 {
		g.logger.Warnf("gateway shard %d: bad hello, heartbeat_interval %d", g.cfg.ShardID, hello.HeartbeatInterval)
		return
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	g.setState(StateHelloReceived)
	g.heartbeat.SetInterval(interval)
	c.Reserve(reservedFrames(g.cfg.FramePeriod, interval))
	g.heartbeat.Start(ctx, g.beatFunc(c), func() {
		g.logger.Warnf("gateway shard %d: heartbeat expired", g.cfg.ShardID)
		g.closeLocal(c, CloseHeartbeatExpired)
	})

	if g.sessionID.Load() != "" {
		g.sendResume(c)
		return
	}
	go g.sendIdentify(ctx, c)
}

func (g *Gateway) onInvalidSession(ctx context.Context, c *conn.Connection, p protocol.Payload) {
	var resumable bool
	if err := g.protocol.Decode(p.D, &resumable); err != nil {
		g.logger.Warnf("gateway shard %d: bad invalid session payload, treat as not resumable, %+v", g.cfg.ShardID, err)
		resumable = false
	}
	if !resumable || g.sessionID.Load() == "" {
		resumable = false
		g.resetSession()
	}
	g.logger.Warnf("gateway shard %d: invalid session, resumable=%t", g.cfg.ShardID, resumable)

	go func() {
		if err := conn.Sleep(ctx, utils.Jitter(g.cfg.InvalidSessionJitterMin, g.cfg.InvalidSessionJitterMax)); err != nil {
			return
		}
		if resumable {
			g.sendResume(c)
			return
		}
		g.sendIdentify(ctx, c)
	}()
}

func (g *Gateway) onDispatch(p protocol.Payload) error {
	g.advanceSequence(p.Sequence())

	switch p.Kind() {
	case protocol.KindReady:
		var ready protocol.Ready
		if err := g.protocol.Decode(p.D, &ready); err != nil {
			return err
		}
		g.sessionID.Store(ready.SessionID)
		g.resumeURL.Store(ready.ResumeGatewayURL)
		g.ready.Store(true)
		g.setState(StateReady)
		g.openGate()
		g.logger.Infof("gateway shard %d: ready, session %s", g.cfg.ShardID, ready.SessionID)
	case protocol.KindResumed:
		g.ready.Store(true)
		g.setState(StateReady)
		g.logger.Infof("gateway shard %d: resumed at seq %d", g.cfg.ShardID, g.sequence.Load())
	}
	return nil
}

func (g *Gateway) advanceSequence(s int64) {
	for {
		cur := g.sequence.Load()
		if s <= cur || g.sequence.CompareAndSwap(cur, s) {
			return
		}
	}
}

// emit 将消息放入分发队列，不等待监听者；identify 后 READY 之前的 dispatch 在分发时等待放行
func (g *Gateway) emit(p protocol.Payload, events *eventQueue) {
	q := queuedEvent{event: Event{
		Kind:     p.Kind(),
		Op:       p.Op,
		Type:     p.T,
		Sequence: p.Sequence(),
		Data:     p.D,
		ShardID:  g.cfg.ShardID,
	}}
	if q.event.Kind == protocol.KindDispatch {
		q.gate = g.pendingGate()
	}

	events.push(q)
}

func (g *Gateway) dispatch(ctx context.Context, events *eventQueue) {
	for {
		q, ok := events.pop()
		if !ok {
			return
		}
		if q.gate != nil {
			_ = q.gate.Wait(ctx)
		}
		g.notify(q.event)
	}
}

func (g *Gateway) notify(ev Event) {
	g.listenerMu.RLock()
	listeners := make([]Listener, len(g.listeners))
	copy(listeners, g.listeners)
	g.listenerMu.RUnlock()

	for _, fn := range listeners {
		g.invoke(fn, ev)
	}
}

func (g *Gateway) invoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorf("gateway shard %d: listener panic on %s: %v", g.cfg.ShardID, ev.Kind, r)
		}
	}()
	fn(ev)
}

func (g *Gateway) sendIdentify(ctx context.Context, c *conn.Connection) {
	if err := g.identify.Wait(ctx); err != nil {
		return
	}

	g.mu.Lock()
	if g.gate != nil {
		g.gate.Open()
	}
	g.gate = newGate()
	g.mu.Unlock()

	g.sequence.Store(0)
	g.setState(StateIdentifying)

	payload := protocol.Identify{
		Token:          g.cfg.Token,
		Properties:     g.cfg.Properties,
		Compress:       g.cfg.Compress,
		LargeThreshold: g.cfg.LargeThreshold,
		Presence:       g.cfg.Presence,
		Intents:        g.cfg.Intents,
	}
	if g.cfg.ShardCount > 1 {
		payload.Shard = &[2]int{g.cfg.ShardID, g.cfg.ShardCount}
	}
	if err := g.sendOn(c, protocol.OpIdentify, payload); err != nil {
		g.logger.Errorf("gateway shard %d: identify failed, %+v", g.cfg.ShardID, err)
		return
	}
	g.identifies.Inc()
	g.logger.Debugf("gateway shard %d: identify sent", g.cfg.ShardID)
}

func (g *Gateway) sendResume(c *conn.Connection) {
	g.setState(StateResuming)
	payload := protocol.Resume{
		Token:     g.cfg.Token,
		SessionID: g.sessionID.Load(),
		Seq:       g.sequence.Load(),
	}
	if err := g.sendOn(c, protocol.OpResume, payload); err != nil {
		g.logger.Errorf("gateway shard %d: resume failed, %+v", g.cfg.ShardID, err)
		return
	}
	g.resumes.Inc()
	g.logger.Debugf("gateway shard %d: resume %s at seq %d", g.cfg.ShardID, payload.SessionID, payload.Seq)
}

func (g *Gateway) beatFunc(c *conn.Connection) func() error {
	return func() error {
		var seq interface{}
		if s := g.sequence.Load(); s > 0 {
			seq = s
		}
		data, err := protocol.EncodePayload(g.protocol, protocol.OpHeartbeat, seq)
		if err != nil {
			return err
		}
		return c.Send(data, conn.FramePriority)
	}
}

func (g *Gateway) sendOn(c *conn.Connection, op protocol.Opcode, d interface{}) error {
	data, err := protocol.EncodePayload(g.protocol, op, d)
	if err != nil {
		return err
	}
	return c.Send(data, conn.FrameOrdinary)
}

// closeLocal 以本地关闭码断开当前连接，重连循环据此分类
func (g *Gateway) closeLocal(c *conn.Connection, code int) {
	g.heartbeat.Kill()
	g.localClose.Store(int32(code))
	c.Close(code, ClassifyClose(code).Reason)
}

// Send 通过普通队列发送一个网关帧
func (g *Gateway) Send(op protocol.Opcode, d interface{}) error {
	c := g.getCurrent()
	if c == nil {
		return errors.ErrNotConnected
	}
	return g.sendOn(c, op, d)
}

// UpdateStatus 更新在线状态
func (g *Gateway) UpdateStatus(presence protocol.Presence) error {
	if presence.Activities == nil {
		presence.Activities = []protocol.Activity{}
	}
	return g.Send(protocol.OpPresenceUpdate, presence)
}

// RequestGuildMembers 请求服务器成员列表，结果以 GUILD_MEMBERS_CHUNK 事件返回
func (g *Gateway) RequestGuildMembers(req protocol.RequestGuildMembers) error {
	return g.Send(protocol.OpRequestGuildMembers, req)
}

// UpdateVoiceState 加入、切换或离开语音频道
func (g *Gateway) UpdateVoiceState(req protocol.VoiceStateUpdate) error {
	return g.Send(protocol.OpVoiceStateUpdate, req)
}

// Disconnect 停止心跳，以 1000 关闭连接，并阻止后续重连
func (g *Gateway) Disconnect() {
	g.stopped.Store(true)
	g.heartbeat.Kill()

	if c := g.getCurrent(); c != nil {
		c.Close(1000, "disconnect")
		return
	}

	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.setState(StateClosed)
}

// State 当前会话状态
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// SessionID 当前会话ID，无会话时为空
func (g *Gateway) SessionID() string {
	return g.sessionID.Load()
}

// Sequence 最近一次 dispatch 的序号
func (g *Gateway) Sequence() int64 {
	return g.sequence.Load()
}

// Latency 心跳往返延迟
func (g *Gateway) Latency() time.Duration {
	return g.heartbeat.Latency()
}

// Stats 会话统计
func (g *Gateway) Stats() types.GatewayStats {
	stats := types.GatewayStats{
		ShardID:    g.cfg.ShardID,
		State:      g.State().String(),
		SessionID:  g.SessionID(),
		Sequence:   g.Sequence(),
		Latency:    g.Latency(),
		Identifies: g.identifies.Load(),
		Resumes:    g.resumes.Load(),

		HeartbeatInterval: g.heartbeat.Interval(),
	}
	if c := g.getCurrent(); c != nil {
		stats.Connection = c.GetStats()
	}
	stats.Connection.ReconnectAttempts = int(g.reconnects.Load())
	return stats
}

func (g *Gateway) setState(s State) {
	g.state.Store(int32(s))
}

func (g *Gateway) resetSession() {
	g.sessionID.Store("")
	g.resumeURL.Store("")
	g.sequence.Store(0)
}

func (g *Gateway) setCurrent(c *conn.Connection) {
	g.mu.Lock()
	g.current = c
	g.mu.Unlock()
}

func (g *Gateway) getCurrent() *conn.Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// pendingGate 返回尚未放行的 gate，没有则返回 nil
func (g *Gateway) pendingGate() *gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate == nil || g.gate.Opened() {
		return nil
	}
	return g.gate
}

func (g *Gateway) openGate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		g.gate.Open()
	}
}

func (g *Gateway) eventBufferSize() int {
	if g.cfg.EventBufferSize > 0 {
		return g.cfg.EventBufferSize
	}
	return 256
}

func (g *Gateway) connOptions() conn.Options {
	opts := conn.Options{
		FrameLimit:       g.cfg.FrameLimit,
		FramePeriod:      g.cfg.FramePeriod,
		BufferSize:       g.cfg.BufferSize,
		WriteTimeout:     g.cfg.WriteTimeout,
		HandshakeTimeout: g.cfg.HandshakeTimeout,
		Logger:           g.logger,
	}
	if g.cfg.Compress {
		opts.Compressor = compression.GetCompressor("zlib")
	}
	return opts
}

// dialURL 有会话时优先使用 READY 下发的 resume 地址
func (g *Gateway) dialURL() string {
	base := g.cfg.URL
	if resume := g.resumeURL.Load(); resume != "" && g.sessionID.Load() != "" {
		base = resume
	}

	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	if g.cfg.Version > 0 {
		q.Set("v", strconv.Itoa(g.cfg.Version))
	}
	encoding := g.cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}
	q.Set("encoding", encoding)
	u.RawQuery = q.Encode()
	return u.String()
}

// reservedFrames 每个窗口内心跳预计占用的帧数
func reservedFrames(period, interval time.Duration) int {
	if interval <= 0 {
		return 0
	}
	return int((period+interval-1)/interval) + 1
}
