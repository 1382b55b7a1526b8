package library

import (
	"context"
	"errors"
	"sync"
	"time"

	"pmpsync/logger"
	"pmpsync/model"
)

var (
	// ErrLeaseMismatch 传输请求与当前租约不匹配（设备、文件名、已开始或已过期）
	ErrLeaseMismatch = errors.New("no matching active lease")
	// ErrLeaseLost 租约已过期或被接管
	ErrLeaseLost = errors.New("lease expired or taken over")
)

// DefaultLeaseGrace 租约宽限期
const DefaultLeaseGrace = 30 * time.Second

const minLeaseWait = 10 * time.Millisecond

// Outcome 租约的最终结果
type Outcome struct {
	ActionID int64
	Err      error
}

// Lease 一次授予的曲库变更权
type Lease struct {
	Action    model.Action
	DeviceID  int64
	CreatedAt time.Time

	// 受 LeaseSlot.mu 保护
	started  bool
	progress time.Time

	done chan Outcome
	once sync.Once
}

// Done 租约结束（完成、失败、过期或被接管）时送出一次结果
func (l *Lease) Done() <-chan Outcome { return l.done }

func (l *Lease) resolve(o Outcome) {
	l.once.Do(func() { l.done <- o })
}

// LeaseInfo 租约快照
type LeaseInfo struct {
	Action    model.Action
	DeviceID  int64
	CreatedAt time.Time
	Started   bool
}

// LeaseSlot 全局唯一的变更租约槽
// 空槽、未开始且超过宽限期、已开始但超过宽限期无进展，三种情况下可被授予
type LeaseSlot struct {
	grace time.Duration
	now   func() time.Time

	mu       sync.Mutex
	cur      *Lease
	released chan struct{}
}

func NewLeaseSlot(grace time.Duration, now func() time.Time) *LeaseSlot {
	if grace <= 0 {
		grace = DefaultLeaseGrace
	}
	if now == nil {
		now = time.Now
	}
	return &LeaseSlot{grace: grace, now: now, released: make(chan struct{})}
}

func (s *LeaseSlot) Grace() time.Duration { return s.grace }

func (s *LeaseSlot) expiryLocked() time.Time {
	l := s.cur
	if l.started {
		return l.progress.Add(s.grace)
	}
	return l.CreatedAt.Add(s.grace)
}

func (s *LeaseSlot) grantableLocked(now time.Time) bool {
	return s.cur == nil || !now.Before(s.expiryLocked())
}

func (s *LeaseSlot) grantLocked(action model.Action, deviceID int64, now time.Time) *Lease {
	if old := s.cur; old != nil {
		logger.Warn("lease taken over after grace window",
			logger.String("file", old.Action.Filename),
			logger.Int64("holder", old.DeviceID),
			logger.Bool("started", old.started),
			logger.Int64("newHolder", deviceID))
		s.clearLocked()
		old.resolve(Outcome{ActionID: model.NoAction, Err: ErrLeaseLost})
	}
	l := &Lease{
		Action:    action,
		DeviceID:  deviceID,
		CreatedAt: now,
		done:      make(chan Outcome, 1),
	}
	s.cur = l
	return l
}

func (s *LeaseSlot) clearLocked() {
	s.cur = nil
	close(s.released)
	s.released = make(chan struct{})
}

// TryAcquire 不等待
func (s *LeaseSlot) TryAcquire(action model.Action, deviceID int64) (*Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.grantableLocked(now) {
		return nil, false
	}
	return s.grantLocked(action, deviceID, now), true
}

// Acquire 等待租约被释放或当前持有者超过宽限期
func (s *LeaseSlot) Acquire(ctx context.Context, action model.Action, deviceID int64) (*Lease, error) {
	for {
		if l, ok := s.TryAcquire(action, deviceID); ok {
			return l, nil
		}
		s.mu.Lock()
		if s.cur == nil {
			s.mu.Unlock()
			continue
		}
		wait := s.expiryLocked().Sub(s.now())
		released := s.released
		s.mu.Unlock()

		if wait < minLeaseWait {
			wait = minLeaseWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-released:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// Start 传输端点接收字节前调用，标记租约已开始
func (s *LeaseSlot) Start(deviceID int64, filename string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.cur
	switch {
	case l == nil,
		l.DeviceID != deviceID,
		l.Action.Filename != filename,
		!l.Action.Type.NeedsTransfer(),
		l.started:
		return nil, ErrLeaseMismatch
	}
	now := s.now()
	if !now.Before(l.CreatedAt.Add(s.grace)) {
		return nil, ErrLeaseMismatch
	}
	l.started = true
	l.progress = now
	return l, nil
}

// Touch 记录传输进展
func (s *LeaseSlot) Touch(l *Lease) {
	s.mu.Lock()
	if s.cur == l {
		l.progress = s.now()
	}
	s.mu.Unlock()
}

// Holds l 是否仍是当前租约
func (s *LeaseSlot) Holds(l *Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == l
}

// Release 以失败或外部结果结束租约；l 已不是当前租约时返回 false
func (s *LeaseSlot) Release(l *Lease, err error) bool {
	s.mu.Lock()
	if s.cur != l {
		s.mu.Unlock()
		return false
	}
	s.clearLocked()
	s.mu.Unlock()
	l.resolve(Outcome{ActionID: model.NoAction, Err: err})
	return true
}

// ExpireIfStale 当前租约为 l 且已超过宽限期时释放它
func (s *LeaseSlot) ExpireIfStale(l *Lease) bool {
	s.mu.Lock()
	if s.cur != l || !s.grantableLocked(s.now()) {
		s.mu.Unlock()
		return false
	}
	s.clearLocked()
	s.mu.Unlock()
	l.resolve(Outcome{ActionID: model.NoAction, Err: ErrLeaseLost})
	return true
}

// Finish 持锁执行提交：期间租约不会被接管；无论 fn 成功与否都释放租约
func (s *LeaseSlot) Finish(l *Lease, fn func() (int64, error)) (int64, error) {
	s.mu.Lock()
	if s.cur != l {
		s.mu.Unlock()
		return model.NoAction, ErrLeaseLost
	}
	id, err := fn()
	if err != nil {
		id = model.NoAction
	}
	s.clearLocked()
	s.mu.Unlock()
	l.resolve(Outcome{ActionID: id, Err: err})
	return id, err
}

// Current 当前租约快照
func (s *LeaseSlot) Current() (LeaseInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return LeaseInfo{}, false
	}
	return LeaseInfo{
		Action:    s.cur.Action,
		DeviceID:  s.cur.DeviceID,
		CreatedAt: s.cur.CreatedAt,
		Started:   s.cur.started,
	}, true
}
