package library

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"pmpsync/logger"
	"pmpsync/model"
	"pmpsync/storage"
)

// ErrInvalidAction 在当前状态下不可能执行的动作
var ErrInvalidAction = errors.New("invalid action")

const touchEvery = time.Second

// Committer 把持有租约的动作落到曲库目录、索引与日志
type Committer struct {
	index *Index
	log   *ActionLog
	lease *LeaseSlot
}

func NewCommitter(index *Index, log *ActionLog, lease *LeaseSlot) *Committer {
	return &Committer{index: index, log: log, lease: lease}
}

func (c *Committer) Lease() *LeaseSlot { return c.lease }
func (c *Committer) Log() *ActionLog   { return c.log }
func (c *Committer) Index() *Index     { return c.index }

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidAction, fmt.Sprintf(format, args...))
}

// Check 不触碰租约的结构性检查
func (c *Committer) Check(a model.Action) error {
	if err := storage.ValidateName(a.Filename); err != nil {
		return invalid("%v", err)
	}
	switch a.Type {
	case model.ActionAdd:
		if c.index.Has(a.Filename) {
			return invalid("%s already exists", a.Filename)
		}
	case model.ActionReplace, model.ActionRemove:
		if !c.index.Has(a.Filename) {
			return invalid("%s is not in the library", a.Filename)
		}
	case model.ActionChangeMetadata:
		return invalid("metadata changes are not supported")
	default:
		return invalid("unknown action type %q", a.Type)
	}
	return nil
}

// staged 一次尚未写入日志的变更，日志追加是提交点，之前任何一步失败都据此撤销
type staged struct {
	name      string
	prev      *model.TrackRecord // 变更前的索引记录，新增文件时为 nil
	stash     *storage.Stashed   // 被替换或删除的旧文件
	installed bool
}

func (c *Committer) stage(name string) *staged {
	st := &staged{name: name}
	if rec, ok := c.index.Get(name); ok {
		st.prev = &rec
	}
	return st
}

// revert 把目录与索引恢复到变更前
func (c *Committer) revert(ctx context.Context, st *staged, cause error) {
	ctx = context.WithoutCancel(ctx)
	lib := c.index.Library()
	logger.Warn("commit failed, reverting library change",
		logger.String("file", st.name),
		logger.ErrorField(cause))

	if st.installed {
		if err := lib.Remove(st.name); err != nil && !errors.Is(err, storage.ErrNotExist) {
			logger.Error("failed to remove uncommitted file", logger.String("file", st.name), logger.ErrorField(err))
		}
	}
	if st.stash != nil {
		if err := st.stash.Restore(); err != nil {
			logger.Error("failed to restore stashed file", logger.String("file", st.name), logger.ErrorField(err))
		}
	}
	var err error
	if st.prev != nil {
		err = c.index.Put(ctx, *st.prev)
	} else {
		err = c.index.Forget(ctx, st.name)
	}
	if err != nil {
		logger.Error("failed to restore index entry", logger.String("file", st.name), logger.ErrorField(err))
	}
}

// commit 追加日志；失败时撤销 st，成功后才删除暂存的旧文件
func (c *Committer) commit(ctx context.Context, st *staged, deviceID int64, action model.Action) (int64, error) {
	committed, err := c.log.Append(ctx, deviceID, action)
	if err != nil {
		c.revert(ctx, st, err)
		return model.NoAction, err
	}
	if st.stash != nil {
		if err := st.stash.Drop(); err != nil {
			logger.Warn("failed to delete replaced file", logger.String("file", st.name), logger.ErrorField(err))
		}
	}
	return committed.ID, nil
}

// Remove 同步完成 REMOVE：暂存文件、更新索引、追加日志、释放租约
func (c *Committer) Remove(ctx context.Context, l *Lease) (int64, error) {
	return c.lease.Finish(l, func() (int64, error) {
		if err := c.Check(l.Action); err != nil {
			return model.NoAction, err
		}
		name := l.Action.Filename
		st := c.stage(name)
		stash, err := c.index.Library().Stash(name)
		switch {
		case err == nil:
			st.stash = stash
		case !errors.Is(err, storage.ErrNotExist):
			return model.NoAction, invalid("remove %s: %v", name, err)
		}
		if err := c.index.Forget(ctx, name); err != nil {
			c.revert(ctx, st, err)
			return model.NoAction, err
		}
		return c.commit(ctx, st, l.DeviceID, model.Action{Type: model.ActionRemove, Filename: name})
	})
}

// progressReader 定期上报传输进展，touch 出错时中止读取
type progressReader struct {
	r     io.Reader
	touch func() error
	last  time.Time
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && time.Since(p.last) >= touchEvery {
		p.last = time.Now()
		if terr := p.touch(); terr != nil {
			return n, terr
		}
	}
	return n, err
}

// Receive 接收 ADD/REPLACE 的上传内容并提交
// 结构无效或任何一步落盘失败时以失败释放租约，目录、索引与日志 id 序列都不变
func (c *Committer) Receive(ctx context.Context, l *Lease, body io.Reader) (int64, error) {
	lib := c.index.Library()
	tmp, err := lib.CreateTemp()
	if err != nil {
		c.lease.Release(l, err)
		return model.NoAction, err
	}
	installed := false
	defer func() {
		if !installed {
			lib.Discard(tmp)
		}
	}()

	hash := crc32.NewIEEE()
	size, err := io.Copy(io.MultiWriter(tmp, hash), &progressReader{r: body, touch: func() error {
		// 已被接管的上传不再继续写入
		if !c.lease.Holds(l) {
			return ErrLeaseLost
		}
		c.lease.Touch(l)
		return nil
	}, last: time.Now()})
	if err != nil {
		err = fmt.Errorf("transfer of %s interrupted: %w", l.Action.Filename, err)
		c.lease.Release(l, err)
		return model.NoAction, err
	}

	md, err := Inspect(tmp)
	if err != nil {
		c.lease.Release(l, err)
		return model.NoAction, err
	}

	return c.lease.Finish(l, func() (int64, error) {
		if err := c.Check(l.Action); err != nil {
			return model.NoAction, err
		}
		name := l.Action.Filename
		st := c.stage(name)
		if l.Action.Type == model.ActionReplace {
			stash, err := lib.Stash(name)
			switch {
			case err == nil:
				st.stash = stash
			case !errors.Is(err, storage.ErrNotExist):
				return model.NoAction, err
			}
		}
		if err := lib.Install(tmp, name); err != nil {
			c.revert(ctx, st, err)
			return model.NoAction, err
		}
		installed = true
		st.installed = true

		fi, err := lib.Stat(name)
		if err != nil {
			c.revert(ctx, st, err)
			return model.NoAction, err
		}
		rec := model.TrackRecord{
			Filename: name,
			Checksum: FormatChecksum(hash.Sum32()),
			Size:     size,
			ModTime:  fi.ModTime,
			Metadata: md,
		}
		if err := c.index.Put(ctx, rec); err != nil {
			c.revert(ctx, st, err)
			return model.NoAction, err
		}
		return c.commit(ctx, st, l.DeviceID, model.Action{
			Type:     l.Action.Type,
			Filename: name,
			Metadata: md,
		})
	})
}
