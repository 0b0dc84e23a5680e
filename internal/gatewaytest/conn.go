package gatewaytest

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/BetaCatPro/chatgate/internal/protocol"
)

// Conn 服务端视角的一条客户端连接
type Conn struct {
	ID    string
	Query url.Values

	ws       *websocket.Conn
	proto    protocol.MessageProtocol
	writeMu  sync.Mutex
	frames   chan protocol.Payload
	done     chan struct{}
	doneOnce sync.Once

	autoAck    atomic.Bool
	heartbeats atomic.Int32
	closeCode  atomic.Int32
}

func newConn(ws *websocket.Conn, id string, query url.Values, autoAck bool) *Conn {
	c := &Conn{
		ID:     id,
		Query:  query,
		ws:     ws,
		proto:  &protocol.JSONProtocol{},
		frames: make(chan protocol.Payload, 256),
		done:   make(chan struct{}),
	}
	c.autoAck.Store(autoAck)
	go c.read()
	return c
}

func (c *Conn) read() {
	defer c.finish()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				c.closeCode.Store(int32(ce.Code))
			}
			return
		}

		p, err := protocol.DecodePayload(c.proto, data)
		if err != nil {
			continue
		}
		if p.Op == protocol.OpHeartbeat {
			c.heartbeats.Inc()
			if c.autoAck.Load() {
				_ = c.SendPayload(protocol.OpHeartbeatAck, nil)
			}
		}

		select {
		case c.frames <- p:
		default:
		}
	}
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Done 连接结束时关闭
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// SetAutoAck 是否自动回复心跳确认
func (c *Conn) SetAutoAck(on bool) {
	c.autoAck.Store(on)
}

// Heartbeats 收到的心跳数
func (c *Conn) Heartbeats() int {
	return int(c.heartbeats.Load())
}

// ClientCloseCode 客户端关闭帧中的关闭码，未收到时为 0
func (c *Conn) ClientCloseCode() int {
	return int(c.closeCode.Load())
}

// SendRaw 发送原始文本帧
func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendPayload 发送一个不带序号的网关帧
func (c *Conn) SendPayload(op protocol.Opcode, d interface{}) error {
	data, err := protocol.EncodePayload(c.proto, op, d)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// Hello 发送 hello，interval 单位毫秒
func (c *Conn) Hello(interval int64) error {
	return c.SendPayload(protocol.OpHello, protocol.Hello{HeartbeatInterval: interval})
}

type dispatchFrame struct {
	Op protocol.Opcode `json:"op"`
	D  interface{}     `json:"d"`
	S  int64           `json:"s"`
	T  string          `json:"t"`
}

// Dispatch 发送一个 dispatch 事件
func (c *Conn) Dispatch(seq int64, eventType string, d interface{}) error {
	data, err := c.proto.Encode(dispatchFrame{Op: protocol.OpDispatch, D: d, S: seq, T: eventType})
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// Ready 发送 READY
func (c *Conn) Ready(seq int64, sessionID, resumeURL string) error {
	return c.Dispatch(seq, protocol.EventReady, protocol.Ready{
		V:                10,
		SessionID:        sessionID,
		ResumeGatewayURL: resumeURL,
	})
}

// Resumed 发送 RESUMED
func (c *Conn) Resumed(seq int64) error {
	return c.Dispatch(seq, protocol.EventResumed, nil)
}

// InvalidSession 发送 invalid session
func (c *Conn) InvalidSession(resumable bool) error {
	return c.SendPayload(protocol.OpInvalidSession, resumable)
}

// Expect 等待下一帧
func (c *Conn) Expect(timeout time.Duration) (protocol.Payload, error) {
	select {
	case p := <-c.frames:
		return p, nil
	case <-time.After(timeout):
		return protocol.Payload{}, fmt.Errorf("gatewaytest: no frame within %s", timeout)
	}
}

// ExpectOp 等待指定操作码的帧，跳过其它帧
func (c *Conn) ExpectOp(op protocol.Opcode, timeout time.Duration) (protocol.Payload, error) {
	deadline := time.After(timeout)
	for {
		select {
		case p := <-c.frames:
			if p.Op == op {
				return p, nil
			}
		case <-deadline:
			return protocol.Payload{}, fmt.Errorf("gatewaytest: no %s within %s", op, timeout)
		}
	}
}

// CloseWith 发送关闭帧并断开
func (c *Conn) CloseWith(code int, text string) error {
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
		c.finish()
	}
	return err
}

// Drop 不发送关闭帧直接断开
func (c *Conn) Drop() {
	c.ws.UnderlyingConn().Close()
	c.finish()
}
