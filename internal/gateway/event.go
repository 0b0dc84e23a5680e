package gateway

import (
	"encoding/json"
	"sync"

	"github.com/BetaCatPro/chatgate/internal/protocol"
)

// State 会话状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHelloReceived
	StateIdentifying
	StateResuming
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHelloReceived:
		return "hello_received"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Event 交给监听者的网关消息
type Event struct {
	Kind     protocol.Kind
	Op       protocol.Opcode
	Type     string
	Sequence int64
	Data     json.RawMessage
	ShardID  int
}

// Decode 将事件数据解码到 v
func (e Event) Decode(v interface{}) error {
	return (&protocol.JSONProtocol{}).Decode(e.Data, v)
}

// Listener 事件监听函数
type Listener func(Event)

type queuedEvent struct {
	event Event
	gate  *gate
}

// eventQueue 无界的有序事件队列，入队永不阻塞读循环
type eventQueue struct {
	mu     sync.Mutex
	items  []queuedEvent
	closed bool
	signal chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{
		items:  make([]queuedEvent, 0, capacity),
		signal: make(chan struct{}, 1),
	}
}

// push 追加到队尾，关闭后丢弃
func (q *eventQueue) push(ev queuedEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.wake()
}

// pop 取出队首，队列为空时等待；关闭且取空后返回 false
func (q *eventQueue) pop() (queuedEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = queuedEvent{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return queuedEvent{}, false
		}
		<-q.signal
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
