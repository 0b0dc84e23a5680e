package gateway

// CloseAction 连接关闭后的处理方式
type CloseAction int

const (
	ActionResume  CloseAction = iota // 保留会话，重连后 resume
	ActionRestart                    // 清除会话，重连后重新 identify
	ActionClose                      // 停止重连
)

func (a CloseAction) String() string {
	switch a {
	case ActionRestart:
		return "RESTART"
	case ActionClose:
		return "CLOSE"
	default:
		return "RESUME"
	}
}

// 本地使用的关闭码
const (
	CloseHeartbeatExpired   = 4900
	CloseReconnectRequested = 4901
)

// CloseCode 关闭码说明
type CloseCode struct {
	Code   int
	Reason string
	Action CloseAction
}

var closeCodes = map[int]CloseCode{
	1000: {1000, "normal closure", ActionResume},
	1001: {1001, "going away", ActionResume},
	1006: {1006, "abnormal closure", ActionResume},
	4000: {4000, "unknown error", ActionResume},
	4001: {4001, "unknown opcode", ActionResume},
	4002: {4002, "decode error", ActionResume},
	4003: {4003, "not authenticated", ActionRestart},
	4004: {4004, "authentication failed", ActionClose},
	4005: {4005, "already authenticated", ActionRestart},
	4007: {4007, "invalid seq", ActionRestart},
	4008: {4008, "rate limited", ActionResume},
	4009: {4009, "session timed out", ActionRestart},
	4010: {4010, "invalid shard", ActionClose},
	4011: {4011, "sharding required", ActionClose},
	4012: {4012, "invalid API version", ActionClose},
	4013: {4013, "invalid intents", ActionClose},
	4014: {4014, "disallowed intents", ActionClose},

	CloseHeartbeatExpired:   {CloseHeartbeatExpired, "heartbeat expired", ActionResume},
	CloseReconnectRequested: {CloseReconnectRequested, "reconnect requested", ActionResume},
}

// ClassifyClose 查询关闭码，未知关闭码按 RESUME 处理
func ClassifyClose(code int) CloseCode {
	if cc, ok := closeCodes[code]; ok {
		return cc
	}
	return CloseCode{Code: code, Reason: "unknown", Action: ActionResume}
}
