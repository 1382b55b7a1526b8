package protocol

import "encoding/json"

const redactedValue = "<redacted>"

// Redactor 由携带密钥的消息实现，返回用于日志的副本，原对象不被修改
type Redactor interface {
	Redacted() Message
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

// ForLog 返回可安全写入日志的消息
func ForLog(m Message) Message {
	if r, ok := m.(Redactor); ok {
		return r.Redacted()
	}
	return m
}

// LogString 日志用的 JSON 文本
func LogString(m Message) string {
	safe := ForLog(m)
	b, err := json.Marshal(safe)
	if err != nil {
		return safe.Kind()
	}
	return string(b)
}
