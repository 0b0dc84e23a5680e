package protocol

// Opcode 网关操作码
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpPresenceUpdate:
		return "PRESENCE_UPDATE"
	case OpVoiceStateUpdate:
		return "VOICE_STATE_UPDATE"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpRequestGuildMembers:
		return "REQUEST_GUILD_MEMBERS"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return "UNKNOWN"
	}
}

// Kind 帧类别，对外事件流的标签
type Kind int

const (
	KindUnknown Kind = iota
	KindHello
	KindReady
	KindResumed
	KindInvalidSession
	KindReconnect
	KindHeartbeat
	KindHeartbeatAck
	KindDispatch
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindReady:
		return "ready"
	case KindResumed:
		return "resumed"
	case KindInvalidSession:
		return "invalid_session"
	case KindReconnect:
		return "reconnect"
	case KindHeartbeat:
		return "heartbeat"
	case KindHeartbeatAck:
		return "heartbeat_ack"
	case KindDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// 会话相关的 dispatch 事件名
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)
