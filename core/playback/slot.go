package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pmpsync/core/protocol"
	"pmpsync/logger"
	"pmpsync/model"
	"pmpsync/repository"
)

var (
	// ErrNotOwner 非所有者试图修改播放状态
	ErrNotOwner = errors.New("device is not the playback owner")
	// ErrNoOwner 无主状态下收到命令
	ErrNoOwner = errors.New("playback has no owner")
)

// NoOwner 无主
const NoOwner int64 = 0

// Slot 服务端全局唯一的播放槽：NoOwner 或 Owned(device)
type Slot struct {
	repo repository.PlaybackRepository
	now  func() time.Time

	mu    sync.Mutex
	owner int64
	state State
	dirty bool
}

// NewSlot 加载持久化快照；重启时没有所有者，播放中的快照按最后保存时间冻结
func NewSlot(ctx context.Context, repo repository.PlaybackRepository, now func() time.Time) (*Slot, error) {
	if now == nil {
		now = time.Now
	}
	snap, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载播放状态失败: %w", err)
	}
	st := FromSnapshot(*snap)
	if st.Playing {
		at := snap.UpdatedAt
		if at.IsZero() {
			at = now()
		}
		st.Freeze(at)
	}
	return &Slot{repo: repo, now: now, state: st}, nil
}

// Owner 当前所有者，NoOwner 表示无主
func (s *Slot) Owner() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// State 当前状态副本
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.FilterOptions = append(model.FilterOptions(nil), s.state.FilterOptions...)
	return st
}

// Snapshot 登录响应使用的快照
func (s *Slot) Snapshot() model.PlaybackSnapshot {
	return s.State().Snapshot()
}

// Claim 后写者胜出，返回之前的所有者
func (s *Slot) Claim(device int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.owner
	s.owner = device
	return prev
}

// Route 命令的转发目标
func (s *Slot) Route() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == NoOwner {
		return NoOwner, ErrNoOwner
	}
	return s.owner, nil
}

// Update 只接受所有者的增量
func (s *Slot) Update(device int64, f protocol.PlaybackFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device == NoOwner || device != s.owner {
		return ErrNotOwner
	}
	s.state.ApplyUpdate(f, s.now())
	s.dirty = true
	return nil
}

// Release 所有者断线：清空槽并冻结位置；device 不是所有者时返回 false
func (s *Slot) Release(device int64) (protocol.PlaybackFields, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device == NoOwner || device != s.owner {
		return protocol.PlaybackFields{}, false
	}
	s.owner = NoOwner
	fields := s.state.Freeze(s.now())
	s.dirty = true
	return fields, true
}

// Flush 有未保存的修改时写入存储，失败时保留脏标记等待下次
func (s *Slot) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snap := s.state.Snapshot()
	s.dirty = false
	s.mu.Unlock()

	if err := s.repo.Save(ctx, &snap); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("保存播放状态失败: %w", err)
	}
	return nil
}

// Run 周期性刷盘，ctx 结束时再刷一次
func (s *Slot) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				logger.Warn("playback flush failed", logger.ErrorField(err))
			}
		case <-ctx.Done():
			if err := s.Flush(context.Background()); err != nil {
				logger.Error("final playback flush failed", logger.ErrorField(err))
			}
			return
		}
	}
}
