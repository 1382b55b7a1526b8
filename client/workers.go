package client

import (
	"context"
	"errors"
	"fmt"

	"pmpsync/core/library"
	"pmpsync/core/protocol"
	"pmpsync/core/wire"
	"pmpsync/logger"
	"pmpsync/model"
	"pmpsync/storage"
)

// syncLoop 每次连接先追赶并对账一次，之后在发现缺口或曲库目录变化时重复
func (c *Client) syncLoop(ctx context.Context, conn *wire.Conn) error {
	if err := c.catchUp(ctx, conn); err != nil {
		return err
	}
	if err := c.reconcile(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-c.gap:
			if err := c.catchUp(ctx, conn); err != nil {
				return err
			}
		case <-c.rescan:
			if err := c.reconcile(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// catchUp 逐段请求缺失的动作，直到账本没有缺口
func (c *Client) catchUp(ctx context.Context, conn *wire.Conn) error {
	for {
		c.mu.Lock()
		missing := c.ledger.Missing()
		from, to := c.ledger.Range()
		held := len(c.ledger.Held())
		c.mu.Unlock()
		if !missing {
			return nil
		}

		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		resp, err := wire.Roundtrip[*protocol.ActionRangeResponse](rctx, conn, &protocol.ActionRangeRequest{From: from, To: to})
		cancel()
		if err != nil {
			return fmt.Errorf("action range %d-%d: %w", from, to, err)
		}
		logger.Debug("replaying actions",
			logger.Int64("from", from),
			logger.Int64("to", to),
			logger.Int("count", len(resp.Actions)),
			logger.Int("held", held))

		if err := c.deliver(ctx, entries(resp.Actions)...); err != nil {
			return err
		}
		c.mu.Lock()
		advanced := c.ledger.Through() >= from
		c.mu.Unlock()
		if !advanced {
			return fmt.Errorf("server returned no actions from %d", from)
		}
	}
}

// reconcile 对比本地校验和与服务端列表，把双向差异排入队列
func (c *Client) reconcile(ctx context.Context) error {
	list, err := c.transfer.List(ctx)
	if err != nil {
		return fmt.Errorf("fetch track list: %w", err)
	}
	// 先读队列再重扫：两者之间被应用的条目会在磁盘上看到
	in, out, err := c.Pending(ctx)
	if err != nil {
		return err
	}
	if _, err := c.index.Rescan(ctx); err != nil {
		logger.Warn("library rescan failed", logger.ErrorField(err))
		return nil
	}
	plan := library.Reconcile(c.index.Checksums(), list.Checksums(), library.NewPending(in, out))
	if plan.Empty() {
		return nil
	}
	logger.Info("reconciled library",
		logger.Int("incoming", len(plan.Incoming)),
		logger.Int("outgoing", len(plan.Outgoing)))

	for _, a := range plan.Incoming {
		if err := c.incoming.PushBack(ctx, a, model.NoAction); err != nil {
			return err
		}
	}
	for _, a := range plan.Outgoing {
		if err := c.outgoing.PushBack(ctx, a, model.NoAction); err != nil {
			return err
		}
	}
	return nil
}

// drainQueue 把 d 中的条目逐个交给 fn
// fn 返回 nil 后条目出队；出错时条目保留并停止 worker
func drainQueue(ctx context.Context, d *library.Deque, fn func(context.Context, *model.QueueEntry) error) error {
	for {
		e, err := d.Peek(ctx)
		if err != nil {
			return err
		}
		if e == nil {
			select {
			case <-d.Ready():
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if err := fn(ctx, e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := d.Done(ctx, e); err != nil {
			return err
		}
	}
}

// handleIncoming 入站队列唯一的消费者
func (c *Client) handleIncoming(ctx context.Context, _ *wire.Conn) error {
	return drainQueue(ctx, c.incoming, c.apply)
}

// apply 在本地落实一条服务端动作
// 只返回网络故障；本地故障记录日志后丢弃该条目
func (c *Client) apply(ctx context.Context, e *model.QueueEntry) error {
	name := e.Filename
	switch e.Type {
	case model.ActionAdd, model.ActionReplace:
		tctx, cancel := context.WithTimeout(ctx, transferOpTimeout)
		n, err := c.transfer.Download(tctx, c.lib, name)
		cancel()
		var local *localError
		switch {
		case errors.Is(err, ErrNotFound):
			// 之后又被删除，对应的 REMOVE 在日志里随后到来
			logger.Debug("skipping vanished file", logger.String("file", name))
			return nil
		case errors.As(err, &local):
			logger.Error("failed to write downloaded file", logger.String("file", name), logger.ErrorField(err))
			return nil
		case err != nil:
			return fmt.Errorf("download %s: %w", name, err)
		}
		if _, err := c.index.Refresh(ctx, name); err != nil {
			logger.Warn("failed to index downloaded file", logger.String("file", name), logger.ErrorField(err))
		}
		logger.Info("applied action",
			logger.String("type", string(e.Type)),
			logger.String("file", name),
			logger.Int64("actionId", e.ActionID),
			logger.Int64("bytes", n))

	case model.ActionRemove:
		if err := c.lib.Remove(name); err != nil && !errors.Is(err, storage.ErrNotExist) {
			logger.Error("failed to remove file", logger.String("file", name), logger.ErrorField(err))
			return nil
		}
		if err := c.index.Forget(ctx, name); err != nil {
			logger.Warn("failed to unindex file", logger.String("file", name), logger.ErrorField(err))
		}
		logger.Info("applied action",
			logger.String("type", string(e.Type)),
			logger.String("file", name),
			logger.Int64("actionId", e.ActionID))

	default:
		logger.Debug("ignoring action", logger.String("type", string(e.Type)), logger.String("file", name))
	}
	return nil
}

// sendOutgoing 出站队列唯一的消费者
func (c *Client) sendOutgoing(ctx context.Context, conn *wire.Conn) error {
	return drainQueue(ctx, c.outgoing, func(ctx context.Context, e *model.QueueEntry) error {
		return c.commit(ctx, conn, e)
	})
}

// commit 推动一条动作经过 QUEUED、APPROVED 到 COMPLETED 或 INVALID
// INVALID 对该动作是终态；只返回连接故障
func (c *Client) commit(ctx context.Context, conn *wire.Conn, e *model.QueueEntry) error {
	action := e.Action()
	if action.Type.NeedsTransfer() {
		if _, err := c.lib.Stat(action.Filename); err != nil {
			logger.Warn("dropping action for missing local file",
				logger.String("type", string(action.Type)),
				logger.String("file", action.Filename))
			return nil
		}
	}

	call, err := conn.Request(&protocol.ActionRequest{Action: action})
	if err != nil {
		return err
	}
	defer call.Close()

	for {
		resp, err := wire.Next[*protocol.ActionResponse](ctx, call)
		var remote *wire.RemoteError
		if errors.As(err, &remote) {
			logger.Warn("action refused", logger.String("file", action.Filename), logger.ErrorField(err))
			return nil
		}
		if err != nil {
			return err
		}

		switch resp.Status {
		case protocol.ActionQueued:
			logger.Debug("action queued", logger.String("file", action.Filename))

		case protocol.ActionApproved:
			if !action.Type.NeedsTransfer() {
				continue
			}
			if err := c.upload(ctx, action.Filename); err != nil {
				return err
			}

		case protocol.ActionCompleted:
			logger.Info("action committed",
				logger.String("type", string(action.Type)),
				logger.String("file", action.Filename),
				logger.Int64("actionId", resp.ActionID))
			return c.deliver(ctx, Delivery{
				ActionEntry: protocol.ActionEntry{ActionID: resp.ActionID, Action: action},
				Local:       true,
			})

		case protocol.ActionInvalid:
			logger.Warn("action rejected",
				logger.String("type", string(action.Type)),
				logger.String("file", action.Filename),
				logger.String("reason", resp.Reason))
			return nil
		}
	}
}

// upload 为已批准的租约上传文件
// 上传被拒不算错误：服务端会以 INVALID 结束该请求
func (c *Client) upload(ctx context.Context, name string) error {
	tctx, cancel := context.WithTimeout(ctx, transferOpTimeout)
	defer cancel()
	_, err := c.transfer.Upload(tctx, c.lib, name)
	var status *StatusError
	var local *localError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &status) && status.Rejected():
		logger.Warn("upload refused", logger.String("file", name), logger.ErrorField(err))
		return nil
	case errors.As(err, &local):
		// 租约到期后请求以 INVALID 结束
		logger.Error("failed to read file for upload", logger.String("file", name), logger.ErrorField(err))
		return nil
	}
	return fmt.Errorf("upload %s: %w", name, err)
}
