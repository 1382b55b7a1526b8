package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Handshake 连接建立后双方首先发送的一行
const Handshake = "PMP"

var (
	// ErrUnknownType 判别值不在已注册集合中
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed 无法解析的帧
	ErrMalformed = errors.New("malformed frame")
)

var registry = map[string]func() Message{}

func register(factory func() Message) {
	kind := factory().Kind()
	if _, dup := registry[kind]; dup {
		panic("protocol: duplicate message kind " + kind)
	}
	registry[kind] = factory
}

func init() {
	register(func() Message { return &KeepAlive{} })
	register(func() Message { return &Disconnect{} })
	register(func() Message { return &ErrorMessage{} })
	register(func() Message { return &LoginRequest{} })
	register(func() Message { return &LoginResponse{} })
	register(func() Message { return &ActionRequest{} })
	register(func() Message { return &ActionResponse{} })
	register(func() Message { return &ActionMessage{} })
	register(func() Message { return &ActionRangeRequest{} })
	register(func() Message { return &ActionRangeResponse{} })
	register(func() Message { return &PlaybackClaim{} })
	register(func() Message { return &PlaybackOwner{} })
	register(func() Message { return &PlaybackControl{} })
	register(func() Message { return &PlaybackUpdate{} })
	register(func() Message { return &FilterAdd{} })
	register(func() Message { return &FilterList{} })
}

// Kinds 返回所有已注册的判别值
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

// Encode 序列化为单行 JSON（不含行尾）
// encoding/json 会转义字符串中的换行，因此输出中不会出现行终止符
func Encode(m Message) ([]byte, error) {
	m.Hdr().Type = m.Kind()
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	if bytes.IndexByte(b, '\n') >= 0 {
		return nil, fmt.Errorf("encode %s: frame contains line terminator", m.Kind())
	}
	return b, nil
}

// Decode 按 type 字段分派到对应的消息结构
func Decode(line []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	factory, ok := registry[probe.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
	m := factory()
	if err := json.Unmarshal(line, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, probe.Type, err)
	}
	return m, nil
}
