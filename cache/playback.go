package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"pmpsync/model"

	"github.com/go-redis/redis/v8"
)

const playbackKey = "pmp:playback" // Hash: 全局播放状态

// PlaybackMirror 把播放状态镜像到 Redis，供进程外读取
type PlaybackMirror struct {
	client *redis.Client
}

// NewPlaybackMirror 创建镜像；client 为 nil 时为空操作
func NewPlaybackMirror(client *redis.Client) *PlaybackMirror {
	return &PlaybackMirror{client: client}
}

// Enabled 是否配置了 Redis
func (c *PlaybackMirror) Enabled() bool {
	return c != nil && c.client != nil
}

// Set 写入当前状态与所有者
func (c *PlaybackMirror) Set(ctx context.Context, snap model.PlaybackSnapshot, owner int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	fields, err := playbackFields(snap, owner, time.Now())
	if err != nil {
		return err
	}
	return c.client.HSet(ctx, playbackKey, fields).Err()
}

// Get 读取镜像，不存在时返回 nil
func (c *PlaybackMirror) Get(ctx context.Context) (*model.PlaybackSnapshot, int64, error) {
	if c == nil || c.client == nil {
		return nil, 0, nil
	}
	result, err := c.client.HGetAll(ctx, playbackKey).Result()
	if err != nil {
		return nil, 0, err
	}
	if len(result) == 0 {
		return nil, 0, nil
	}
	snap, owner := parsePlayback(result)
	return snap, owner, nil
}

func playbackFields(snap model.PlaybackSnapshot, owner int64, at time.Time) (map[string]interface{}, error) {
	filters := ""
	if len(snap.FilterOptions) > 0 {
		data, err := json.Marshal(snap.FilterOptions)
		if err != nil {
			return nil, err
		}
		filters = string(data)
	}
	return map[string]interface{}{
		"owner":          owner,
		"track":          snap.Track,
		"playing":        snap.Playing,
		"position":       snap.Position,
		"shuffle":        string(snap.Shuffle),
		"repeat":         string(snap.Repeat),
		"filter_options": filters,
		"updated_at":     at.UnixMilli(),
	}, nil
}

func parsePlayback(result map[string]string) (*model.PlaybackSnapshot, int64) {
	snap := &model.PlaybackSnapshot{ID: model.PlaybackSnapshotID}
	var owner int64

	if v, ok := result["owner"]; ok {
		owner, _ = strconv.ParseInt(v, 10, 64)
	}
	snap.Track = result["track"]
	if v, ok := result["playing"]; ok {
		snap.Playing = v == "1" || v == "true"
	}
	if v, ok := result["position"]; ok {
		snap.Position, _ = strconv.ParseInt(v, 10, 64)
	}
	snap.Shuffle = model.ShuffleMode(result["shuffle"])
	snap.Repeat = model.RepeatMode(result["repeat"])
	if v, ok := result["filter_options"]; ok && v != "" {
		var opts model.FilterOptions
		if err := json.Unmarshal([]byte(v), &opts); err == nil {
			snap.FilterOptions = opts
		}
	}
	if v, ok := result["updated_at"]; ok {
		ms, _ := strconv.ParseInt(v, 10, 64)
		snap.UpdatedAt = time.UnixMilli(ms)
	}
	return snap, owner
}
