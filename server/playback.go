package server

import (
	"context"
	"errors"
	"time"

	"pmpsync/core/playback"
	"pmpsync/core/protocol"
	"pmpsync/core/wire"
	"pmpsync/logger"
)

// handleClaim 让发送者成为播放所有者，后到的声明生效
// 结果广播给包括声明者在内的所有设备，并发声明因此收敛
func (s *Server) handleClaim(c *wire.Conn, m *protocol.PlaybackClaim) {
	sess := sessionOf(c, 0)
	if sess == nil {
		return
	}
	prev := s.slot.Claim(sess.deviceID)
	if prev != sess.deviceID {
		s.metrics.PlaybackOwnerChanges.Inc()
		logger.Info("playback owner changed",
			logger.Int64("from", prev),
			logger.Int64("to", sess.deviceID))
	}
	owner := sess.deviceID
	s.hub.Broadcast(0, func() protocol.Message {
		return &protocol.PlaybackOwner{OwnerID: owner}
	})
	s.mirrorPlaybackAsync()
}

// handleControl 把命令原样转给当前所有者
func (s *Server) handleControl(c *wire.Conn, m *protocol.PlaybackControl) {
	sess := sessionOf(c, 0)
	if sess == nil {
		return
	}
	owner, err := s.slot.Route()
	var target *Session
	if err == nil {
		target = s.hub.Get(owner)
	}
	if target == nil {
		s.sendError(sess, 0, protocol.ErrCodeNoOwner, playback.ErrNoOwner.Error())
		return
	}
	target.Send(&protocol.PlaybackControl{PlaybackFields: m.PlaybackFields})
}

// handleUpdate 应用所有者的增量并转发给其他设备
func (s *Server) handleUpdate(c *wire.Conn, m *protocol.PlaybackUpdate) {
	sess := sessionOf(c, 0)
	if sess == nil {
		return
	}
	if err := s.slot.Update(sess.deviceID, m.PlaybackFields); err != nil {
		code := protocol.ErrCodeBadRequest
		if errors.Is(err, playback.ErrNotOwner) {
			code = protocol.ErrCodeNotOwner
		}
		s.sendError(sess, 0, code, err.Error())
		return
	}
	fields := m.PlaybackFields
	s.hub.Broadcast(sess.deviceID, func() protocol.Message {
		return &protocol.PlaybackUpdate{PlaybackFields: fields}
	})
	s.mirrorPlaybackAsync()
}

// mirrorPlayback 把播放槽复制到 redis，供进程外读取
func (s *Server) mirrorPlayback(ctx context.Context) {
	if err := s.playbackCache.Set(ctx, s.slot.Snapshot(), s.slot.Owner()); err != nil {
		logger.Warn("failed to mirror playback state", logger.ErrorField(err))
	}
}

func (s *Server) mirrorPlaybackAsync() {
	if !s.playbackCache.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		defer cancel()
		s.mirrorPlayback(ctx)
	}()
}
