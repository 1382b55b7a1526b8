package server

import (
	"sync"

	"pmpsync/core/protocol"
	"pmpsync/logger"
)

// Hub 记录每个已登录设备唯一的活跃会话
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewHub 创建空的 Hub
func NewHub() *Hub {
	return &Hub{sessions: make(map[int64]*Session)}
}

// Register 把 s 设为其设备的当前会话，返回被顶替的旧会话，没有则为 nil
func (h *Hub) Register(s *Session) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.sessions[s.deviceID]
	h.sessions[s.deviceID] = s
	if prev == s {
		return nil
	}
	return prev
}

// Unregister 仅当 s 仍是设备的当前会话时才移除
func (h *Hub) Unregister(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.deviceID] != s {
		return false
	}
	delete(h.sessions, s.deviceID)
	return true
}

// Get 返回设备的会话，离线时为 nil
func (h *Hub) Get(deviceID int64) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[deviceID]
}

// Count 在线设备数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast 向除 except 外的所有在线设备发送新构造的消息
// 发送时会分配帧 id，因此每个接收者拿到独立的实例；except 为 0 时发给所有人
func (h *Hub) Broadcast(except int64, build func() protocol.Message) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id != except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		m := build()
		if err := s.Send(m); err != nil {
			logger.Debug("broadcast skipped closed session",
				logger.Int64("deviceId", s.deviceID),
				logger.String("type", m.Kind()),
				logger.ErrorField(err))
		}
	}
}

// Close 断开所有会话
func (h *Hub) Close(reason string) {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		s.conn.Close(reason)
	}
}
