package library

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pmpsync/logger"
	"pmpsync/model"
	"pmpsync/repository"
	"pmpsync/storage"
)

// Index 曲库目录的 (文件名 → 记录) 索引，持久化在 TrackRepository 中
type Index struct {
	lib  *storage.Library
	repo repository.TrackRepository

	mu     sync.RWMutex
	tracks map[string]model.TrackRecord
}

func NewIndex(lib *storage.Library, repo repository.TrackRepository) *Index {
	return &Index{lib: lib, repo: repo, tracks: make(map[string]model.TrackRecord)}
}

func (ix *Index) Library() *storage.Library { return ix.lib }

// Rescan 对比目录与缓存记录，只有修改时间或大小变化的文件才重新计算校验和
func (ix *Index) Rescan(ctx context.Context) (int, error) {
	cached, err := ix.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("读取文件索引失败: %w", err)
	}
	byName := make(map[string]*model.TrackRecord, len(cached))
	for _, rec := range cached {
		byName[rec.Filename] = rec
	}

	files, err := ix.lib.List()
	if err != nil {
		return 0, fmt.Errorf("扫描曲库目录失败: %w", err)
	}

	next := make(map[string]model.TrackRecord, len(files))
	changed := 0
	for _, fi := range files {
		rec := byName[fi.Name]
		delete(byName, fi.Name)
		if rec != nil && rec.Size == fi.Size && sameStamp(rec.ModTime, fi.ModTime) {
			next[fi.Name] = *rec
			continue
		}
		fresh, err := ix.compute(fi)
		if err != nil {
			logger.Warn("skipping unreadable library file", logger.String("file", fi.Name), logger.ErrorField(err))
			continue
		}
		if err := ix.repo.Upsert(ctx, fresh); err != nil {
			return changed, err
		}
		next[fi.Name] = *fresh
		changed++
	}
	for name := range byName {
		if err := ix.repo.Delete(ctx, name); err != nil {
			return changed, err
		}
		changed++
	}

	ix.mu.Lock()
	ix.tracks = next
	ix.mu.Unlock()
	return changed, nil
}

func sameStamp(a, b time.Time) bool {
	return a.UnixMilli() == b.UnixMilli()
}

func (ix *Index) compute(fi storage.FileInfo) (*model.TrackRecord, error) {
	f, err := ix.lib.Open(fi.Name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sum, n, err := Checksum(f)
	if err != nil {
		return nil, err
	}
	md, err := Inspect(f)
	if err != nil {
		md = nil
	}
	return &model.TrackRecord{
		Filename: fi.Name,
		Checksum: sum,
		Size:     n,
		ModTime:  fi.ModTime,
		Metadata: md,
	}, nil
}

// Refresh 重新计算单个文件并写入索引，文件消失时从索引删除
func (ix *Index) Refresh(ctx context.Context, name string) (*model.TrackRecord, error) {
	fi, err := ix.lib.Stat(name)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, ix.Forget(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	rec, err := ix.compute(fi)
	if err != nil {
		return nil, err
	}
	if err := ix.repo.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	ix.mu.Lock()
	ix.tracks[name] = *rec
	ix.mu.Unlock()
	return rec, nil
}

// Forget 从索引删除
func (ix *Index) Forget(ctx context.Context, name string) error {
	if err := ix.repo.Delete(ctx, name); err != nil {
		return err
	}
	ix.mu.Lock()
	delete(ix.tracks, name)
	ix.mu.Unlock()
	return nil
}

func (ix *Index) Get(name string) (model.TrackRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, ok := ix.tracks[name]
	return rec, ok
}

func (ix *Index) Has(name string) bool {
	_, ok := ix.Get(name)
	return ok
}

// List 按文件名排序
func (ix *Index) List() []model.TrackRecord {
	ix.mu.RLock()
	out := make([]model.TrackRecord, 0, len(ix.tracks))
	for _, rec := range ix.tracks {
		out = append(out, rec)
	}
	ix.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Checksums 文件名 → 校验和
func (ix *Index) Checksums() map[string]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]string, len(ix.tracks))
	for name, rec := range ix.tracks {
		out[name] = rec.Checksum
	}
	return out
}

// Len 文件数
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.tracks)
}

// Put 写入已计算好的记录
func (ix *Index) Put(ctx context.Context, rec model.TrackRecord) error {
	if err := ix.repo.Upsert(ctx, &rec); err != nil {
		return err
	}
	ix.mu.Lock()
	ix.tracks[rec.Filename] = rec
	ix.mu.Unlock()
	return nil
}
