package server

import (
	"context"
	"time"

	"pmpsync/core/library"
	"pmpsync/logger"
	"pmpsync/metrics"
	"pmpsync/model"
	"pmpsync/storage"
)

const (
	bucketBacklog   = 256
	bucketOpTimeout = 5 * time.Minute
)

// bucketSync 按提交顺序把动作同步到 MinIO 存储桶，mirror 为 nil 时不启用
type bucketSync struct {
	mirror  *storage.MinioMirror
	library *storage.Library
	metrics *metrics.Metrics
	queue   chan library.Committed
}

func newBucketSync(mirror *storage.MinioMirror, lib *storage.Library, m *metrics.Metrics) *bucketSync {
	return &bucketSync{
		mirror:  mirror,
		library: lib,
		metrics: m,
		queue:   make(chan library.Committed, bucketBacklog),
	}
}

// enqueue 不会阻塞，它在动作日志的提交回调里执行
func (b *bucketSync) enqueue(c library.Committed) {
	if b.mirror == nil {
		return
	}
	select {
	case b.queue <- c:
	default:
		b.metrics.MirrorErrorsTotal.Inc()
		logger.Warn("bucket sync backlog full, dropping action",
			logger.Int64("actionId", c.ID),
			logger.String("filename", c.Action.Filename))
	}
}

func (b *bucketSync) run(ctx context.Context) {
	if b.mirror == nil {
		return
	}
	for {
		select {
		case c := <-b.queue:
			if err := b.apply(ctx, c); err != nil {
				b.metrics.MirrorErrorsTotal.Inc()
				logger.Warn("bucket sync failed",
					logger.Int64("actionId", c.ID),
					logger.String("filename", c.Action.Filename),
					logger.ErrorField(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *bucketSync) apply(ctx context.Context, c library.Committed) error {
	ctx, cancel := context.WithTimeout(ctx, bucketOpTimeout)
	defer cancel()

	name := c.Action.Filename
	switch c.Action.Type {
	case model.ActionAdd, model.ActionReplace:
		path, err := b.library.Path(name)
		if err != nil {
			return err
		}
		return b.mirror.Put(ctx, name, path)
	case model.ActionRemove:
		return b.mirror.Remove(ctx, name)
	}
	return nil
}
