package playback

import (
	"sync"
	"time"

	"pmpsync/core/protocol"
	"pmpsync/model"
)

// Origin 区分本地发起的变化与从远端应用的变化，后者不会再次广播
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Listener 状态变化回调，在 Mirror 锁外调用
type Listener func(st State, origin Origin)

// Mirror 客户端的播放状态镜像
// 所有者本地变化广播为 update；非所有者的命令发送为 control；远端 update 只应用不回显
type Mirror struct {
	send func(protocol.Message) error
	now  func() time.Time

	mu       sync.Mutex
	self     int64
	owner    int64
	state    State
	listener Listener
}

// NewMirror send 一般是 wire.Conn.Send；连接断开期间可以为 nil
func NewMirror(now func() time.Time) *Mirror {
	if now == nil {
		now = time.Now
	}
	return &Mirror{now: now, state: DefaultState()}
}

// OnChange 注册状态变化回调
func (m *Mirror) OnChange(fn Listener) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

// Attach 登录成功后绑定连接与服务端状态
func (m *Mirror) Attach(self int64, send func(protocol.Message) error, snap *model.PlaybackSnapshot, owner int64) {
	m.mu.Lock()
	m.self = self
	m.send = send
	m.owner = owner
	if snap != nil {
		m.state = FromSnapshot(*snap)
	}
	st, fn := m.state, m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(st, OriginRemote)
	}
}

// Detach 断线后停止发送
func (m *Mirror) Detach() {
	m.mu.Lock()
	m.send = nil
	m.mu.Unlock()
}

// Owner 本地认为的所有者
func (m *Mirror) Owner() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// IsOwner 本设备是否是所有者
func (m *Mirror) IsOwner() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self != NoOwner && m.owner == m.self
}

// State 当前状态副本
func (m *Mirror) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetOwner 处理所有者广播；被他人取代后本设备不再广播
func (m *Mirror) SetOwner(owner int64) {
	m.mu.Lock()
	m.owner = owner
	m.mu.Unlock()
}

// ApplyUpdate 应用所有者的 update，不回显
func (m *Mirror) ApplyUpdate(f protocol.PlaybackFields) {
	m.mu.Lock()
	m.state.ApplyUpdate(f, m.now())
	st, fn := m.state, m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(st, OriginRemote)
	}
}

// ApplyControl 所有者收到转发来的命令：执行并广播结果
func (m *Mirror) ApplyControl(f protocol.PlaybackFields) error {
	return m.local(f, false)
}

// Command 本地用户操作（Position 为绝对位置）
// 自己是所有者时直接执行并广播；无主时先乐观声明所有权；否则把命令发给所有者
func (m *Mirror) Command(f protocol.PlaybackFields) error {
	return m.local(f, true)
}

func (m *Mirror) local(f protocol.PlaybackFields, mayClaim bool) error {
	m.mu.Lock()
	send := m.send
	switch {
	case m.self != NoOwner && m.owner == m.self:
	case mayClaim && m.owner == NoOwner && send != nil:
		if err := send(&protocol.PlaybackClaim{}); err != nil {
			m.mu.Unlock()
			return err
		}
		m.owner = m.self
	case mayClaim && send != nil:
		m.mu.Unlock()
		return send(&protocol.PlaybackControl{PlaybackFields: f})
	case send == nil && mayClaim:
		// 离线时只改本地状态
	default:
		m.mu.Unlock()
		return ErrNotOwner
	}

	delta := m.state.ApplyControl(f, m.now())
	st, fn := m.state, m.listener
	var err error
	if send != nil && !delta.Empty() {
		err = send(&protocol.PlaybackUpdate{PlaybackFields: delta})
	}
	m.mu.Unlock()
	if fn != nil {
		fn(st, OriginLocal)
	}
	return err
}
