package server

import (
	"context"
	"errors"
	"time"

	"pmpsync/core/library"
	"pmpsync/core/protocol"
	"pmpsync/core/wire"
	"pmpsync/logger"
	"pmpsync/model"
)

const (
	leaseCheckInterval = time.Second
	minLeaseCheck      = 10 * time.Millisecond
)

// leaseCheckEvery 以宽限期的四分之一为周期检查停滞租约，限定在 [minLeaseCheck, leaseCheckInterval]
func leaseCheckEvery(grace time.Duration) time.Duration {
	d := grace / 4
	if d > leaseCheckInterval {
		return leaseCheckInterval
	}
	if d < minLeaseCheck {
		return minLeaseCheck
	}
	return d
}

// handleActionRequest 把请求交给会话的动作 worker
func (s *Server) handleActionRequest(c *wire.Conn, req *protocol.ActionRequest) {
	sess := sessionOf(c, req.RequestID())
	if sess == nil {
		return
	}
	select {
	case sess.actions <- req:
	default:
		s.respondAction(sess, req, protocol.ActionInvalid, model.NoAction, "too many pending actions")
	}
}

func (s *Server) runActions(sess *Session) {
	for {
		select {
		case req := <-sess.actions:
			s.processAction(sess, req)
		case <-sess.ctx.Done():
			return
		}
	}
}

func (s *Server) respondAction(sess *Session, req *protocol.ActionRequest, status protocol.ActionStatus, id int64, reason string) {
	sess.Send(&protocol.ActionResponse{
		Reply:    protocol.Reply{ReplyTo: req.RequestID()},
		Status:   status,
		ActionID: id,
		Reason:   reason,
	})
}

func (s *Server) rejectAction(sess *Session, req *protocol.ActionRequest, err error) {
	s.metrics.ActionsRejected.WithLabelValues(string(req.Action.Type)).Inc()
	logger.Info("action rejected",
		logger.Int64("deviceId", sess.deviceID),
		logger.String("type", string(req.Action.Type)),
		logger.String("filename", req.Action.Filename),
		logger.ErrorField(err))
	s.respondAction(sess, req, protocol.ActionInvalid, model.NoAction, err.Error())
}

// processAction 推动一个请求经过 QUEUED、APPROVED 直到终态
func (s *Server) processAction(sess *Session, req *protocol.ActionRequest) {
	action := req.Action
	if err := s.committer.Check(action); err != nil {
		s.rejectAction(sess, req, err)
		return
	}
	s.respondAction(sess, req, protocol.ActionQueued, model.NoAction, "")

	if info, held := s.lease.Current(); held {
		logger.Debug("waiting for mutation lease",
			logger.String("filename", action.Filename),
			logger.Int64("holder", info.DeviceID),
			logger.String("heldFile", info.Action.Filename))
	}
	waitStart := s.now()
	lease, err := s.lease.Acquire(sess.ctx, action, sess.deviceID)
	if err != nil {
		return
	}
	s.metrics.LeaseWaitSeconds.Observe(s.now().Sub(waitStart).Seconds())

	// 排队期间曲库可能已变化
	if err := s.committer.Check(action); err != nil {
		s.lease.Release(lease, err)
		s.rejectAction(sess, req, err)
		return
	}
	s.respondAction(sess, req, protocol.ActionApproved, model.NoAction, "")

	if !action.Type.NeedsTransfer() {
		id, err := s.committer.Remove(sess.ctx, lease)
		if err != nil {
			s.rejectAction(sess, req, err)
			return
		}
		s.respondAction(sess, req, protocol.ActionCompleted, id, "")
		return
	}

	outcome, ok := s.awaitTransfer(sess.ctx, lease)
	if !ok {
		return
	}
	if outcome.Err != nil {
		if errors.Is(outcome.Err, library.ErrLeaseLost) {
			logger.Warn("lease expired before the upload finished",
				logger.Int64("deviceId", sess.deviceID),
				logger.String("filename", action.Filename))
		}
		s.rejectAction(sess, req, outcome.Err)
		return
	}
	s.respondAction(sess, req, protocol.ActionCompleted, outcome.ActionID, "")
}

// awaitTransfer 等待传输端口上的上传结束租约
// 停滞的租约在这里过期，其他设备才能接手
func (s *Server) awaitTransfer(ctx context.Context, lease *library.Lease) (library.Outcome, bool) {
	ticker := time.NewTicker(leaseCheckEvery(s.lease.Grace()))
	defer ticker.Stop()
	for {
		select {
		case outcome := <-lease.Done():
			return outcome, true
		case <-ticker.C:
			if s.lease.ExpireIfStale(lease) {
				s.metrics.LeaseTakeovers.Inc()
			}
		case <-ctx.Done():
			s.lease.Release(lease, wire.ErrConnectionClosed)
			return library.Outcome{}, false
		}
	}
}

// handleRangeRequest 为追赶回放已提交的动作
func (s *Server) handleRangeRequest(c *wire.Conn, req *protocol.ActionRangeRequest) {
	sess := sessionOf(c, req.RequestID())
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(sess.ctx, 30*time.Second)
	defer cancel()

	committed, err := s.log.Range(ctx, req.From, req.To)
	if err != nil {
		logger.Error("action range query failed",
			logger.Int64("from", req.From),
			logger.Int64("to", req.To),
			logger.ErrorField(err))
		s.sendError(sess, req.RequestID(), protocol.ErrCodeInternal, "action log unavailable")
		return
	}
	entries := make([]protocol.ActionEntry, len(committed))
	for i, c := range committed {
		entries[i] = protocol.ActionEntry{ActionID: c.ID, Action: c.Action}
	}
	sess.Send(&protocol.ActionRangeResponse{
		Reply:   protocol.Reply{ReplyTo: req.RequestID()},
		Actions: entries,
	})
}

// onCommit 把已提交的动作推送给其他设备
// 在动作日志锁内执行，不能阻塞
func (s *Server) onCommit(c library.Committed) {
	s.metrics.ActionsTotal.WithLabelValues(string(c.Action.Type)).Inc()
	s.metrics.LatestActionID.Set(float64(c.ID))
	logger.Info("action committed",
		logger.Int64("actionId", c.ID),
		logger.String("type", string(c.Action.Type)),
		logger.String("filename", c.Action.Filename),
		logger.Int64("deviceId", c.DeviceID))

	s.hub.Broadcast(c.DeviceID, func() protocol.Message {
		return &protocol.ActionMessage{ActionEntry: protocol.ActionEntry{ActionID: c.ID, Action: c.Action}}
	})
	s.bucket.enqueue(c)
}
