package server

import (
	"context"
	"sync"
	"time"

	"pmpsync/core/protocol"
	"pmpsync/core/wire"
	"pmpsync/logger"
	"pmpsync/model"
)

const actionBacklog = 64

// Session 登录后挂在连接上的认证状态
type Session struct {
	conn     *wire.Conn
	deviceID int64
	name     string

	ctx     context.Context
	cancel  context.CancelFunc
	actions chan *protocol.ActionRequest
	endOnce sync.Once
}

func newSession(parent context.Context, conn *wire.Conn, device *model.Device) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		conn:     conn,
		deviceID: device.ID,
		name:     device.Name,
		ctx:      ctx,
		cancel:   cancel,
		actions:  make(chan *protocol.ActionRequest, actionBacklog),
	}
}

// DeviceID 已登录的设备
func (s *Session) DeviceID() int64 { return s.deviceID }

// Send 把消息放入会话连接的发送队列
func (s *Session) Send(m protocol.Message) error {
	return s.conn.Send(m)
}

// sessionOf 返回挂在 c 上的会话，对端未登录时回复错误
func sessionOf(c *wire.Conn, replyTo int64) *Session {
	if s, ok := c.Attachment().(*Session); ok {
		return s
	}
	c.Send(&protocol.ErrorMessage{
		Reply:   protocol.Reply{ReplyTo: replyTo},
		Code:    protocol.ErrCodeBadRequest,
		Message: "login required",
	})
	return nil
}

func (s *Server) sendError(sess *Session, replyTo int64, code, message string) {
	sess.Send(&protocol.ErrorMessage{
		Reply:   protocol.Reply{ReplyTo: replyTo},
		Code:    code,
		Message: message,
	})
}

// startSession 启动会话的 worker
func (s *Server) startSession(sess *Session) {
	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		s.runActions(sess)
	}()
	go func() {
		defer s.workers.Done()
		s.keepPresence(sess)
	}()
}

// keepPresence 会话存活期间刷新 redis 在线名单
func (s *Server) keepPresence(sess *Session) {
	if !s.presence.Enabled() {
		return
	}
	touch := func() {
		ctx, cancel := context.WithTimeout(sess.ctx, 2*time.Second)
		defer cancel()
		if err := s.presence.Touch(ctx, sess.deviceID); err != nil && sess.ctx.Err() == nil {
			logger.Warn("presence refresh failed", logger.Int64("deviceId", sess.deviceID), logger.ErrorField(err))
		}
	}
	touch()

	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			touch()
		case <-sess.ctx.Done():
			return
		}
	}
}

// endSession 只执行一次的会话清理
// 只有该会话仍是设备的当前会话时才释放在线状态与播放所有权，被顶替的会话把它们留给后继者
func (s *Server) endSession(sess *Session) {
	sess.endOnce.Do(func() {
		sess.cancel()
		if !s.hub.Unregister(sess) {
			logger.Debug("displaced session ended", logger.Int64("deviceId", sess.deviceID))
			return
		}
		s.metrics.ConnectedDevices.Dec()
		logger.Info("device offline",
			logger.Int64("deviceId", sess.deviceID),
			logger.String("name", sess.name))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.presence.Remove(ctx, sess.deviceID); err != nil {
			logger.Warn("presence removal failed", logger.Int64("deviceId", sess.deviceID), logger.ErrorField(err))
		}
		if err := s.devices.Touch(ctx, sess.deviceID, s.now()); err != nil {
			logger.Warn("failed to record last seen", logger.Int64("deviceId", sess.deviceID), logger.ErrorField(err))
		}

		if fields, ok := s.slot.Release(sess.deviceID); ok {
			s.metrics.PlaybackOwnerChanges.Inc()
			logger.Info("playback owner disconnected, state frozen", logger.Int64("deviceId", sess.deviceID))
			s.hub.Broadcast(0, func() protocol.Message {
				return &protocol.PlaybackOwner{OwnerID: model.NoDevice}
			})
			s.hub.Broadcast(0, func() protocol.Message {
				return &protocol.PlaybackUpdate{PlaybackFields: fields}
			})
			s.mirrorPlayback(ctx)
		}
	})
}
