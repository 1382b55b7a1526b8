package server

import (
	"testing"
	"time"

	"pmpsync/core/protocol"
	"pmpsync/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestPlaybackOwnershipOverTheWire(t *testing.T) {
	h := newHarness(t, testConfig())
	a, _ := h.online(t, "a")
	b, _ := h.online(t, "b")

	require.NoError(t, b.conn.Send(&protocol.PlaybackControl{PlaybackFields: protocol.PlaybackFields{Playing: ptr(true)}}))
	e := expect[*protocol.ErrorMessage](t, b)
	assert.Equal(t, protocol.ErrCodeNoOwner, e.Code)

	require.NoError(t, a.conn.Send(&protocol.PlaybackClaim{}))
	assert.Equal(t, a.deviceID, expect[*protocol.PlaybackOwner](t, a).OwnerID)
	assert.Equal(t, a.deviceID, expect[*protocol.PlaybackOwner](t, b).OwnerID)

	// 命令原样转发给所有者
	seek := protocol.PlaybackFields{Position: ptr(int64(42000))}
	require.NoError(t, b.conn.Send(&protocol.PlaybackControl{PlaybackFields: seek}))
	ctl := expect[*protocol.PlaybackControl](t, a)
	require.NotNil(t, ctl.Position)
	assert.Equal(t, int64(42000), *ctl.Position)

	epoch := time.Now().UnixMilli() - 5000
	require.NoError(t, a.conn.Send(&protocol.PlaybackUpdate{PlaybackFields: protocol.PlaybackFields{
		Track: ptr("song.flac"), Playing: ptr(true), Position: ptr(epoch),
	}}))
	upd := expect[*protocol.PlaybackUpdate](t, b)
	assert.Equal(t, "song.flac", *upd.Track)
	assert.Equal(t, epoch, *upd.Position)

	require.NoError(t, b.conn.Send(&protocol.PlaybackUpdate{PlaybackFields: protocol.PlaybackFields{Playing: ptr(false)}}))
	e = expect[*protocol.ErrorMessage](t, b)
	assert.Equal(t, protocol.ErrCodeNotOwner, e.Code)
	assert.True(t, h.srv.slot.State().Playing)

	a.conn.Close("leaving")
	assert.Equal(t, model.NoDevice, expect[*protocol.PlaybackOwner](t, b).OwnerID)
	frozen := expect[*protocol.PlaybackUpdate](t, b)
	require.NotNil(t, frozen.Playing)
	assert.False(t, *frozen.Playing)
	require.NotNil(t, frozen.Position)
	assert.InDelta(t, 5000, *frozen.Position, 1000)
	assert.Equal(t, model.NoDevice, h.srv.slot.Owner())
}

func TestLastClaimWins(t *testing.T) {
	h := newHarness(t, testConfig())
	a, _ := h.online(t, "a")
	b, _ := h.online(t, "b")

	require.NoError(t, a.conn.Send(&protocol.PlaybackClaim{}))
	assert.Equal(t, a.deviceID, expect[*protocol.PlaybackOwner](t, b).OwnerID)
	require.NoError(t, b.conn.Send(&protocol.PlaybackClaim{}))
	assert.Equal(t, b.deviceID, expect[*protocol.PlaybackOwner](t, b).OwnerID)

	owners := []int64{expect[*protocol.PlaybackOwner](t, a).OwnerID, expect[*protocol.PlaybackOwner](t, a).OwnerID}
	assert.Equal(t, []int64{a.deviceID, b.deviceID}, owners)
	assert.Equal(t, b.deviceID, h.srv.slot.Owner())

	// 前任所有者断线不影响新所有者
	a.conn.Close("leaving")
	b.quiet(t, 200*time.Millisecond)
	assert.Equal(t, b.deviceID, h.srv.slot.Owner())
}

func TestFilterAddBroadcastsList(t *testing.T) {
	h := newHarness(t, testConfig())
	a, _ := h.online(t, "a")
	b, _ := h.online(t, "b")

	require.NoError(t, a.conn.Send(&protocol.FilterAdd{Key: "  genre "}))
	for _, p := range []*peer{a, b} {
		list := expect[*protocol.FilterList](t, p)
		require.Len(t, list.Filters, 1)
		assert.Equal(t, "genre", list.Filters[0].Key)
	}

	c, resp := h.online(t, "c")
	require.Len(t, resp.Filters, 1)
	assert.Equal(t, "genre", resp.Filters[0].Key)

	require.NoError(t, c.conn.Send(&protocol.FilterAdd{Key: "   "}))
	assert.Equal(t, protocol.ErrCodeBadRequest, expect[*protocol.ErrorMessage](t, c).Code)
}
