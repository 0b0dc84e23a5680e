package protocol

import (
	"encoding/json"

	"github.com/bytedance/sonic"

	"github.com/BetaCatPro/chatgate/internal/errors"
)

// MessageProtocol 消息协议接口
type MessageProtocol interface {
	Encode(interface{}) ([]byte, error) // 编码消息
	Decode([]byte, interface{}) error   // 解码消息
}

// JSONProtocol JSON协议实现
type JSONProtocol struct{}

// Encode 编码为JSON
func (j *JSONProtocol) Encode(data interface{}) ([]byte, error) {
	return sonic.ConfigStd.Marshal(data)
}

// Decode 从JSON解码
func (j *JSONProtocol) Decode(bytes []byte, target interface{}) error {
	return sonic.ConfigStd.Unmarshal(bytes, target)
}

// GetProtocol 根据名称获取协议处理器
func GetProtocol(name string) (MessageProtocol, error) {
	switch name {
	case "json", "":
		return &JSONProtocol{}, nil
	default:
		return nil, errors.ErrUnsupportedEncoding
	}
}

// Payload 网关帧
type Payload struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Kind 返回帧的消息类别
func (p *Payload) Kind() Kind {
	switch p.Op {
	case OpHello:
		return KindHello
	case OpHeartbeat:
		return KindHeartbeat
	case OpHeartbeatAck:
		return KindHeartbeatAck
	case OpInvalidSession:
		return KindInvalidSession
	case OpReconnect:
		return KindReconnect
	case OpDispatch:
		switch p.T {
		case EventReady:
			return KindReady
		case EventResumed:
			return KindResumed
		default:
			return KindDispatch
		}
	default:
		return KindUnknown
	}
}

// Sequence 返回帧序号，缺省为 0
func (p *Payload) Sequence() int64 {
	if p.S == nil {
		return 0
	}
	return *p.S
}

type outbound struct {
	Op Opcode      `json:"op"`
	D  interface{} `json:"d"`
}

// EncodePayload 编码一个发往网关的帧
func EncodePayload(p MessageProtocol, op Opcode, d interface{}) ([]byte, error) {
	data, err := p.Encode(outbound{Op: op, D: d})
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return data, nil
}

// DecodePayload 解码网关帧
func DecodePayload(p MessageProtocol, data []byte) (Payload, error) {
	var payload Payload
	if err := p.Decode(data, &payload); err != nil {
		return payload, errors.Wrap(err, "decode payload")
	}
	return payload, nil
}
