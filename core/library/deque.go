package library

import (
	"context"
	"sync"

	"pmpsync/logger"
	"pmpsync/model"
	"pmpsync/repository"
)

// Deque 持久化的有序双端队列，多生产者、单消费者
type Deque struct {
	name  model.QueueName
	repo  repository.QueueRepository
	mu    sync.Mutex
	ready chan struct{}
}

func NewDeque(repo repository.QueueRepository, name model.QueueName) *Deque {
	d := &Deque{name: name, repo: repo, ready: make(chan struct{}, 1)}
	d.signal()
	return d
}

func (d *Deque) Name() model.QueueName { return d.name }

// Ready 有新项入队时可读；消费者在队列为空时等待它
func (d *Deque) Ready() <-chan struct{} { return d.ready }

func (d *Deque) signal() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// PushBack 追加到队尾
func (d *Deque) PushBack(ctx context.Context, action model.Action, actionID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, hi, ok, err := d.repo.Bounds(ctx, d.name)
	if err != nil {
		return err
	}
	var pos int64
	if ok {
		pos = hi + 1
	}
	entry := &model.QueueEntry{
		Queue:    d.name,
		Position: pos,
		Type:     action.Type,
		Filename: action.Filename,
		Metadata: action.Metadata,
		ActionID: actionID,
	}
	if err := d.repo.Insert(ctx, entry); err != nil {
		return err
	}
	d.signal()
	return nil
}

// Peek 返回队首项，队列为空返回 nil
// 被后续同名 REPLACE/REMOVE 取代的 ADD/REPLACE 会在这里被丢弃
func (d *Deque) Peek(ctx context.Context) (*model.QueueEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := d.repo.List(ctx, d.name)
	if err != nil {
		return nil, err
	}
	kept, dropped := collapse(entries)
	if len(dropped) > 0 {
		ids := make([]uint, len(dropped))
		for i, e := range dropped {
			ids[i] = e.ID
			logger.Debug("dropping superseded queue entry",
				logger.String("queue", string(d.name)),
				logger.String("type", string(e.Type)),
				logger.String("file", e.Filename))
		}
		if err := d.repo.Delete(ctx, ids...); err != nil {
			return nil, err
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	return kept[0], nil
}

// Done 消费完成后删除
func (d *Deque) Done(ctx context.Context, entry *model.QueueEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.repo.Delete(ctx, entry.ID)
}

// Entries 当前全部项，按出队顺序
func (d *Deque) Entries(ctx context.Context) ([]*model.QueueEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.repo.List(ctx, d.name)
}

// collapse 从后往前扫描，记录后续出现的 REPLACE/REMOVE 文件名
func collapse(entries []*model.QueueEntry) (kept, dropped []*model.QueueEntry) {
	superseded := make(map[string]bool)
	keep := make([]bool, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		keep[i] = true
		switch e.Type {
		case model.ActionAdd:
			if superseded[e.Filename] {
				keep[i] = false
			}
		case model.ActionReplace:
			if superseded[e.Filename] {
				keep[i] = false
			}
			superseded[e.Filename] = true
		case model.ActionRemove:
			superseded[e.Filename] = true
		}
	}
	for i, e := range entries {
		if keep[i] {
			kept = append(kept, e)
		} else {
			dropped = append(dropped, e)
		}
	}
	return kept, dropped
}
