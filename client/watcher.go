package client

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"pmpsync/logger"
	"pmpsync/storage"

	"github.com/fsnotify/fsnotify"
)

// watch 曲库目录静默 rescanDebounce 之后安排一次对账
// 下载写入的临时文件会被忽略
func (c *Client) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(c.lib.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", c.lib.Dir(), err)
	}

	timer := time.NewTimer(rescanDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			timer.Reset(rescanDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("library watcher error", logger.ErrorField(err))

		case <-timer.C:
			logger.Debug("library changed, scheduling reconcile")
			c.signal(c.rescan)

		case <-ctx.Done():
			return nil
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if storage.ValidateName(filepath.Base(ev.Name)) != nil {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
