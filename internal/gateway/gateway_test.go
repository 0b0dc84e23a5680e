package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetaCatPro/chatgate/internal/errors"
	"github.com/BetaCatPro/chatgate/internal/gatewaytest"
	"github.com/BetaCatPro/chatgate/internal/protocol"
	"github.com/BetaCatPro/chatgate/pkg/types"
)

const timeout = 2 * time.Second

func testConfig(url string) types.GatewayConfig {
	cfg := types.DefaultGatewayConfig("token")
	cfg.URL = url
	cfg.IdentifyInterval = 0
	cfg.ReconnectBaseTime = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	cfg.InvalidSessionJitterMin = 5 * time.Millisecond
	cfg.InvalidSessionJitterMax = 10 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

type running struct {
	g    *Gateway
	done chan struct{}
	err  error
}

func start(t *testing.T, g *Gateway) *running {
	t.Helper()
	r := &running{g: g, done: make(chan struct{})}
	go func() {
		r.err = g.Connect(context.Background())
		close(r.done)
	}()
	t.Cleanup(func() {
		g.Disconnect()
		<-r.done
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(timeout):
		t.Fatal("Connect did not return")
		return nil
	}
}

func newServer(t *testing.T) *gatewaytest.Server {
	srv := gatewaytest.NewServer()
	t.Cleanup(srv.Close)
	return srv
}

// handshake 完成 hello -> identify -> READY
func handshake(t *testing.T, c *gatewaytest.Conn, seq int64, sessionID, resumeURL string) protocol.Identify {
	t.Helper()
	require.NoError(t, c.Hello(41250))
	p, err := c.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)

	var identify protocol.Identify
	require.NoError(t, (&protocol.JSONProtocol{}).Decode(p.D, &identify))
	require.NoError(t, c.Ready(seq, sessionID, resumeURL))
	return identify
}

func expectResume(t *testing.T, c *gatewaytest.Conn) protocol.Resume {
	t.Helper()
	p, err := c.ExpectOp(protocol.OpResume, timeout)
	require.NoError(t, err)
	var resume protocol.Resume
	require.NoError(t, (&protocol.JSONProtocol{}).Decode(p.D, &resume))
	return resume
}

func recv(t *testing.T, ch <-chan int64) int64 {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatal("nothing received")
		return 0
	}
}

func TestIdentifyOnHello(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	assert.Equal(t, "10", c.Query.Get("v"))
	assert.Equal(t, "json", c.Query.Get("encoding"))

	require.NoError(t, c.Hello(41250))
	p, err := c.Expect(timeout)
	require.NoError(t, err)
	for p.Op == protocol.OpHeartbeat {
		p, err = c.Expect(timeout)
		require.NoError(t, err)
	}
	require.Equal(t, protocol.OpIdentify, p.Op, "fresh session must identify, not resume")

	var identify protocol.Identify
	require.NoError(t, (&protocol.JSONProtocol{}).Decode(p.D, &identify))
	assert.Equal(t, "token", identify.Token)
	assert.Nil(t, identify.Shard)

	require.Eventually(t, func() bool { return g.State() == StateIdentifying }, timeout, time.Millisecond)
	require.NoError(t, c.Ready(1, "abc", ""))
	require.Eventually(t, func() bool { return g.State() == StateReady }, timeout, time.Millisecond)
	assert.Equal(t, "abc", g.SessionID())
	assert.Equal(t, int64(1), g.Stats().Identifies)
	assert.Equal(t, 41250*time.Millisecond, g.Stats().HeartbeatInterval)
}

func TestResumeAfterResumableClose(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	start(t, g)

	c1, err := srv.Accept(timeout)
	require.NoError(t, err)
	handshake(t, c1, 1, "abc", srv.URL)
	require.NoError(t, c1.Dispatch(42, "MESSAGE_CREATE", map[string]string{"content": "hi"}))
	require.Eventually(t, func() bool { return g.Sequence() == 42 }, timeout, time.Millisecond)

	require.NoError(t, c1.CloseWith(4000, "unknown error"))

	c2, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c2.Hello(41250))

	resume := expectResume(t, c2)
	assert.Equal(t, "token", resume.Token)
	assert.Equal(t, "abc", resume.SessionID)
	assert.Equal(t, int64(42), resume.Seq)

	require.NoError(t, c2.Resumed(43))
	require.Eventually(t, func() bool { return g.State() == StateReady }, timeout, time.Millisecond)

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.Identifies)
	assert.Equal(t, int64(1), stats.Resumes)
	assert.Equal(t, 1, stats.Connection.ReconnectAttempts)
}

func TestFatalCloseStopsReconnecting(t *testing.T) {
	srv := newServer(t)
	ec := errors.NewErrorCenter()
	fatal := make(chan error, 1)
	ec.AddErrorCallback(func(err error) { fatal <- err })

	g := New(testConfig(srv.URL), types.NopLogger(), ec)
	r := start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c.Hello(41250))
	_, err = c.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)
	require.NoError(t, c.CloseWith(4004, "authentication failed"))

	err = r.wait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFatalClose)
	assert.Equal(t, StateClosed, g.State())

	select {
	case got := <-fatal:
		assert.ErrorIs(t, got, errors.ErrFatalClose)
	case <-time.After(timeout):
		t.Fatal("fatal close not reported")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.Accepted())

	// 需要再次调用 Connect 才会重新连接
	start(t, g)
	_, err = srv.Accept(timeout)
	require.NoError(t, err)
}

func TestRestartClearsSession(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	start(t, g)

	c1, err := srv.Accept(timeout)
	require.NoError(t, err)
	handshake(t, c1, 5, "abc", "")
	require.NoError(t, c1.Dispatch(7, "MESSAGE_CREATE", nil))
	require.Eventually(t, func() bool { return g.Sequence() == 7 }, timeout, time.Millisecond)

	require.NoError(t, c1.CloseWith(4009, "session timed out"))

	c2, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c2.Hello(41250))
	_, err = c2.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)
	assert.Equal(t, "", g.SessionID())
	assert.Equal(t, int64(0), g.Sequence())

	require.NoError(t, c2.Ready(1, "def", ""))
	require.Eventually(t, func() bool { return g.SessionID() == "def" }, timeout, time.Millisecond)
	assert.Equal(t, int64(1), g.Sequence())
}

func TestHeartbeatExpiryResumes(t *testing.T) {
	srv := newServer(t)
	srv.SetAutoAck(false)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	start(t, g)

	c1, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c1.Hello(150))
	_, err = c1.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)
	require.NoError(t, c1.Ready(1, "abc", ""))

	require.Eventually(t, func() bool { return c1.ClientCloseCode() == CloseHeartbeatExpired }, timeout, time.Millisecond)
	assert.Equal(t, 1, c1.Heartbeats())

	c2, err := srv.Accept(timeout)
	require.NoError(t, err)
	c2.SetAutoAck(true)
	require.NoError(t, c2.Hello(41250))
	resume := expectResume(t, c2)
	assert.Equal(t, "abc", resume.SessionID)
}

func TestServerHeartbeatRequest(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	handshake(t, c, 3, "abc", "")
	require.Eventually(t, func() bool { return c.Heartbeats() == 1 }, timeout, time.Millisecond)

	require.NoError(t, c.SendPayload(protocol.OpHeartbeat, nil))
	require.Eventually(t, func() bool {
		p, err := c.ExpectOp(protocol.OpHeartbeat, 10*time.Millisecond)
		return err == nil && string(p.D) == "3"
	}, timeout, time.Millisecond)
	assert.Equal(t, 2, c.Heartbeats())
	require.Eventually(t, func() bool { return g.Latency() > 0 }, timeout, time.Millisecond)
}

func TestInvalidSession(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c.Hello(41250))
	_, err = c.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)

	require.NoError(t, c.InvalidSession(false))
	_, err = c.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)

	require.NoError(t, c.Ready(2, "abc", ""))
	require.Eventually(t, func() bool { return g.SessionID() == "abc" }, timeout, time.Millisecond)

	require.NoError(t, c.InvalidSession(true))
	resume := expectResume(t, c)
	assert.Equal(t, "abc", resume.SessionID)
	assert.Equal(t, int64(2), resume.Seq)
}

// recordLogger 记录 Warn 日志，其余丢弃
type recordLogger struct {
	types.Logger
	mu    sync.Mutex
	warns []string
}

func newRecordLogger() *recordLogger {
	return &recordLogger{Logger: types.NopLogger()}
}

func (l *recordLogger) Warnf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, args...))
}

func (l *recordLogger) warned(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.warns {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestUndecodableInvalidSessionIsLogged(t *testing.T) {
	srv := newServer(t)
	logger := newRecordLogger()
	g := New(testConfig(srv.URL), logger, nil)
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c.Hello(41250))
	_, err = c.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)

	require.NoError(t, c.SendPayload(protocol.OpInvalidSession, "maybe"))
	_, err = c.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err, "undecodable payload is treated as not resumable")
	assert.True(t, logger.warned("bad invalid session payload"))
}

func TestHelloWithoutIntervalIsRejected(t *testing.T) {
	srv := newServer(t)
	logger := newRecordLogger()
	g := New(testConfig(srv.URL), logger, nil)
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c.Hello(0))

	_, err = c.ExpectOp(protocol.OpIdentify, 200*time.Millisecond)
	assert.Error(t, err, "no identify without liveness monitoring")
	assert.Zero(t, c.Heartbeats())
	assert.Equal(t, StateConnecting, g.State())
	assert.True(t, logger.warned("bad hello"))

	require.NoError(t, c.Hello(41250))
	_, err = c.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Heartbeats() == 1 }, timeout, time.Millisecond)
}

func TestReconnectRequest(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	start(t, g)

	c1, err := srv.Accept(timeout)
	require.NoError(t, err)
	handshake(t, c1, 1, "abc", "")
	require.Eventually(t, func() bool { return g.State() == StateReady }, timeout, time.Millisecond)

	require.NoError(t, c1.SendPayload(protocol.OpReconnect, nil))
	require.Eventually(t, func() bool { return c1.ClientCloseCode() == CloseReconnectRequested }, timeout, time.Millisecond)

	c2, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c2.Hello(41250))
	assert.Equal(t, "abc", expectResume(t, c2).SessionID)
}

func TestDecodeErrorIsSkipped(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)

	dispatched := make(chan string, 8)
	g.AddListener(func(ev Event) {
		if ev.Kind == protocol.KindDispatch {
			dispatched <- ev.Type
		}
	})
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	handshake(t, c, 1, "abc", "")

	require.NoError(t, c.SendRaw([]byte("{not json")))
	require.NoError(t, c.Dispatch(2, "MESSAGE_CREATE", map[string]string{"id": "1"}))

	select {
	case got := <-dispatched:
		assert.Equal(t, "MESSAGE_CREATE", got)
	case <-time.After(timeout):
		t.Fatal("dispatch after bad frame not delivered")
	}
	assert.Equal(t, StateReady, g.State())
	assert.Equal(t, 1, srv.Accepted())
}

func TestDispatchWaitsForReady(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)

	var (
		mu       sync.Mutex
		order    []string
		sessions []string
	)
	g.AddListener(func(ev Event) {
		if ev.Kind != protocol.KindDispatch && ev.Kind != protocol.KindReady {
			return
		}
		mu.Lock()
		order = append(order, ev.Type)
		sessions = append(sessions, g.SessionID())
		mu.Unlock()
	})
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c.Hello(41250))
	_, err = c.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)

	require.NoError(t, c.Dispatch(1, "GUILD_CREATE", nil))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order, "dispatch before READY must wait")
	mu.Unlock()

	require.NoError(t, c.Ready(2, "abc", ""))
	require.NoError(t, c.Dispatch(3, "MESSAGE_CREATE", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, timeout, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"GUILD_CREATE", "READY", "MESSAGE_CREATE"}, order)
	for _, s := range sessions {
		assert.Equal(t, "abc", s)
	}
}

func TestSlowListenerDoesNotStallHeartbeat(t *testing.T) {
	srv := newServer(t)
	cfg := testConfig(srv.URL)
	cfg.EventBufferSize = 4
	g := New(cfg, types.NopLogger(), nil)

	var (
		mu   sync.Mutex
		seqs []int64
	)
	g.AddListener(func(ev Event) {
		if ev.Kind != protocol.KindDispatch {
			return
		}
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		seqs = append(seqs, ev.Sequence)
		mu.Unlock()
	})
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	require.NoError(t, c.Hello(200))
	_, err = c.ExpectOp(protocol.OpIdentify, timeout)
	require.NoError(t, err)
	require.NoError(t, c.Ready(1, "abc", ""))

	const n = 30
	for i := int64(2); i < n+2; i++ {
		require.NoError(t, c.Dispatch(i, "MESSAGE_CREATE", nil))
	}

	// 监听者需要约 1.5s 处理完，期间心跳确认必须照常被处理
	time.Sleep(800 * time.Millisecond)
	assert.Equal(t, 0, c.ClientCloseCode())
	assert.Equal(t, 1, srv.Accepted())
	assert.GreaterOrEqual(t, c.Heartbeats(), 3)
	assert.Equal(t, StateReady, g.State())
	assert.Equal(t, int64(n+1), g.Sequence())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == n
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range seqs {
		assert.Equal(t, int64(i+2), seq)
	}
	assert.Equal(t, 0, c.ClientCloseCode())
}

func TestSequenceNeverDecreases(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)

	seen := make(chan int64, 8)
	g.AddListener(func(ev Event) {
		if ev.Kind == protocol.KindDispatch {
			seen <- ev.Sequence
		}
	})
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	handshake(t, c, 5, "abc", "")

	require.NoError(t, c.Dispatch(3, "LATE", nil))
	assert.Equal(t, int64(3), recv(t, seen))
	assert.Equal(t, int64(5), g.Sequence())

	require.NoError(t, c.Dispatch(9, "NEXT", nil))
	assert.Equal(t, int64(9), recv(t, seen))
	assert.Equal(t, int64(9), g.Sequence())
}

func TestListenerPanicDoesNotStopDispatch(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)

	got := make(chan Event, 4)
	g.AddListener(func(ev Event) { panic("boom") })
	g.AddListener(func(ev Event) {
		if ev.Kind == protocol.KindDispatch {
			got <- ev
		}
	})
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	handshake(t, c, 1, "abc", "")
	require.NoError(t, c.Dispatch(2, "MESSAGE_CREATE", map[string]string{"content": "hello"}))

	select {
	case ev := <-got:
		var body struct {
			Content string `json:"content"`
		}
		require.NoError(t, ev.Decode(&body))
		assert.Equal(t, "hello", body.Content)
		assert.Equal(t, int64(2), ev.Sequence)
	case <-time.After(timeout):
		t.Fatal("event not delivered")
	}
}

func TestUpdateStatus(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	assert.ErrorIs(t, g.UpdateStatus(protocol.Presence{Status: "idle"}), errors.ErrNotConnected)
	start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	handshake(t, c, 1, "abc", "")
	require.Eventually(t, func() bool { return g.State() == StateReady }, timeout, time.Millisecond)

	require.NoError(t, g.UpdateStatus(protocol.Presence{Status: "idle"}))
	p, err := c.ExpectOp(protocol.OpPresenceUpdate, timeout)
	require.NoError(t, err)

	var presence protocol.Presence
	require.NoError(t, (&protocol.JSONProtocol{}).Decode(p.D, &presence))
	assert.Equal(t, "idle", presence.Status)
	assert.NotNil(t, presence.Activities)
}

func TestDisconnect(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	r := start(t, g)

	c, err := srv.Accept(timeout)
	require.NoError(t, err)
	handshake(t, c, 1, "abc", "")
	require.Eventually(t, func() bool { return g.State() == StateReady }, timeout, time.Millisecond)

	g.Disconnect()
	require.NoError(t, r.wait(t))
	assert.Equal(t, StateClosed, g.State())
	require.Eventually(t, func() bool { return c.ClientCloseCode() == 1000 }, timeout, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.Accepted())
}

func TestConnectTwice(t *testing.T) {
	srv := newServer(t)
	g := New(testConfig(srv.URL), types.NopLogger(), nil)
	start(t, g)

	_, err := srv.Accept(timeout)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Connect(context.Background()), errors.ErrAlreadyConnected)
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Token = ""
	g := New(cfg, types.NopLogger(), nil)
	assert.Error(t, g.Connect(context.Background()))
}

func TestDialURL(t *testing.T) {
	g := New(testConfig("wss://gateway.example.com"), types.NopLogger(), nil)
	assert.Equal(t, "wss://gateway.example.com/?encoding=json&v=10", g.dialURL())

	g.resumeURL.Store("wss://resume.example.com")
	assert.Equal(t, "wss://gateway.example.com/?encoding=json&v=10", g.dialURL(), "resume url needs a session")

	g.sessionID.Store("abc")
	assert.Equal(t, "wss://resume.example.com/?encoding=json&v=10", g.dialURL())
}

func TestReservedFrames(t *testing.T) {
	assert.Equal(t, 0, reservedFrames(time.Minute, 0))
	assert.Equal(t, 3, reservedFrames(time.Minute, 41250*time.Millisecond))
	assert.Equal(t, 61, reservedFrames(time.Minute, time.Second))
}
