// Package gatewaytest 提供可编排的网关假服务器
package gatewaytest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/BetaCatPro/chatgate/internal/utils"
)

// Server 网关假服务器
type Server struct {
	URL string

	upgrader   websocket.Upgrader
	httpServer *httptest.Server
	conns      chan *Conn
	accepted   atomic.Int32
	autoAck    atomic.Bool

	mutex  sync.RWMutex
	script func(*Conn)
	active map[string]*Conn
}

// NewServer 启动一个本地假服务器
func NewServer() *Server {
	s := NewHandler()
	s.httpServer = httptest.NewServer(s)
	s.URL = "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
	return s
}

// NewHandler 创建未监听的假服务器，由调用方挂到自己的 http.Server 上
func NewHandler() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(chan *Conn, 16),
		active: make(map[string]*Conn),
	}
	s.autoAck.Store(true)
	return s
}

// SetAutoAck 是否自动回复心跳确认，影响之后建立的连接
func (s *Server) SetAutoAck(on bool) {
	s.autoAck.Store(on)
}

// SetScript 为每条新连接运行 script，设置后 Accept 不再收到连接
func (s *Server) SetScript(script func(*Conn)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.script = script
}

// ServeHTTP 处理WebSocket升级
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(ws, utils.GenerateConnectionID(), r.URL.Query(), s.autoAck.Load())
	s.accepted.Inc()
	s.mutex.Lock()
	s.active[c.ID] = c
	script := s.script
	s.mutex.Unlock()

	go func() {
		<-c.Done()
		s.mutex.Lock()
		delete(s.active, c.ID)
		s.mutex.Unlock()
	}()

	if script != nil {
		script(c)
		return
	}

	select {
	case s.conns <- c:
	default:
		c.Drop()
	}
}

// Accept 等待下一条连接
func (s *Server) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("gatewaytest: no connection within %s", timeout)
	}
}

// Accepted 累计建立的连接数
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// ActiveCount 当前在线的连接数
func (s *Server) ActiveCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.active)
}

// Close 断开所有连接并停止监听
func (s *Server) Close() {
	s.mutex.RLock()
	for _, c := range s.active {
		c.Drop()
	}
	s.mutex.RUnlock()

	if s.httpServer != nil {
		s.httpServer.Close()
	}
}
