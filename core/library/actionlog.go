package library

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pmpsync/model"
	"pmpsync/repository"
)

// Committed 一条已提交的动作
type Committed struct {
	ID       int64
	Action   model.Action
	DeviceID int64
}

// ActionLog 只追加的动作日志；Append 是全局唯一的 id 分配点
type ActionLog struct {
	repo repository.ActionRepository
	now  func() time.Time

	mu     sync.Mutex
	latest int64
	hooks  []func(Committed)
}

// NewActionLog 从存储恢复最新 id
func NewActionLog(ctx context.Context, repo repository.ActionRepository, now func() time.Time) (*ActionLog, error) {
	if now == nil {
		now = time.Now
	}
	latest, err := repo.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取动作日志失败: %w", err)
	}
	return &ActionLog{repo: repo, now: now, latest: latest}, nil
}

// OnCommit 注册提交回调，回调在日志锁内按 id 顺序执行，不能阻塞
func (l *ActionLog) OnCommit(fn func(Committed)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Latest 最新已提交 id，空日志为 model.NoAction
func (l *ActionLog) Latest() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// WithLatest 持日志锁执行 fn，期间不会有新的提交
// 登录用它保证“最新 id 快照”与“开始接收推送”之间没有缝隙
func (l *ActionLog) WithLatest(fn func(latest int64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.latest)
}

// Append 分配下一个 id 并持久化
func (l *ActionLog) Append(ctx context.Context, deviceID int64, action model.Action) (Committed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.latest + 1
	rec := &model.ActionRecord{
		Seq:         seq,
		Type:        action.Type,
		Filename:    action.Filename,
		Metadata:    action.Metadata,
		DeviceID:    deviceID,
		CommittedAt: l.now(),
	}
	if err := l.repo.Append(ctx, rec); err != nil {
		return Committed{}, fmt.Errorf("追加动作日志失败: %w", err)
	}
	l.latest = seq

	c := Committed{ID: seq, Action: action, DeviceID: deviceID}
	for _, fn := range l.hooks {
		fn(c)
	}
	return c, nil
}

// Range 返回 [from, to] 内的动作，区间被截断到已提交范围
func (l *ActionLog) Range(ctx context.Context, from, to int64) ([]Committed, error) {
	latest := l.Latest()
	if from < 0 {
		from = 0
	}
	if to > latest {
		to = latest
	}
	if from > to {
		return nil, nil
	}
	records, err := l.repo.Range(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if int64(len(records)) != to-from+1 {
		return nil, fmt.Errorf("动作日志在 [%d, %d] 内不连续: 得到 %d 条", from, to, len(records))
	}
	out := make([]Committed, len(records))
	for i, rec := range records {
		if rec.Seq != from+int64(i) {
			return nil, fmt.Errorf("动作日志在 %d 处不连续", from+int64(i))
		}
		out[i] = Committed{ID: rec.Seq, Action: rec.Action(), DeviceID: rec.DeviceID}
	}
	return out, nil
}
