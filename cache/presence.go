package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	presenceKey    = "pmp:presence:%d" // String: 设备心跳 key
	presenceSetKey = "pmp:online"      // Set: 在线设备集合
	presenceTTL    = 60 * time.Second  // 心跳过期时间
	setTTL         = 24 * time.Hour
)

// Presence 在线设备名单；client 为 nil 时所有操作为空操作
type Presence struct {
	client *redis.Client
}

// NewPresence 创建在线名单
func NewPresence(client *redis.Client) *Presence {
	return &Presence{client: client}
}

// Enabled 是否配置了 Redis
func (c *Presence) Enabled() bool {
	return c != nil && c.client != nil
}

// Touch 登录和每次心跳时刷新
func (c *Presence) Touch(ctx context.Context, deviceID int64) error {
	if !c.Enabled() {
		return nil
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(presenceKey, deviceID), time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, presenceSetKey, deviceID)
	pipe.Expire(ctx, presenceSetKey, setTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Remove 断线时移除
func (c *Presence) Remove(ctx context.Context, deviceID int64) error {
	if !c.Enabled() {
		return nil
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(presenceKey, deviceID))
	pipe.SRem(ctx, presenceSetKey, deviceID)
	_, err := pipe.Exec(ctx)
	return err
}

// Online 心跳仍有效的设备，顺带清理已过期的成员
func (c *Presence) Online(ctx context.Context) (map[int64]bool, error) {
	online := make(map[int64]bool)
	if !c.Enabled() {
		return online, nil
	}

	members, err := c.client.SMembers(ctx, presenceSetKey).Result()
	if err != nil {
		return nil, err
	}

	expired := make([]interface{}, 0)
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		exists, err := c.client.Exists(ctx, fmt.Sprintf(presenceKey, id)).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			online[id] = true
		} else {
			expired = append(expired, member)
		}
	}
	if len(expired) > 0 {
		c.client.SRem(ctx, presenceSetKey, expired...)
	}
	return online, nil
}
