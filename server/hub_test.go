package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHubDisplacementKeepsNewestSession(t *testing.T) {
	h := NewHub()
	old := &Session{deviceID: 7}
	fresh := &Session{deviceID: 7}
	other := &Session{deviceID: 8}

	assert.Nil(t, h.Register(old))
	assert.Nil(t, h.Register(other))
	assert.Same(t, old, h.Register(fresh))
	assert.Equal(t, 2, h.Count())

	// 被顶替的会话结束时不能把新会话移除
	assert.False(t, h.Unregister(old))
	assert.Same(t, fresh, h.Get(7))

	assert.True(t, h.Unregister(fresh))
	assert.Nil(t, h.Get(7))
	assert.False(t, h.Unregister(fresh))
	assert.Equal(t, 1, h.Count())
}

func TestLoginLimiterIsPerAddress(t *testing.T) {
	l := newLoginLimiter(0.001, 1)
	now := time.Unix(1700000000, 0)

	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.2", now))

	// 长时间空闲的地址被清理后重新获得令牌
	assert.True(t, l.allow("10.0.0.1", now.Add(limiterIdleAfter+time.Second)))
}
