package server

import (
	"context"
	"strings"
	"time"

	"pmpsync/core/protocol"
	"pmpsync/core/wire"
	"pmpsync/logger"
)

// handleFilterAdd 保存新的过滤键并把完整列表发给所有设备
func (s *Server) handleFilterAdd(c *wire.Conn, m *protocol.FilterAdd) {
	sess := sessionOf(c, 0)
	if sess == nil {
		return
	}
	key := strings.TrimSpace(m.Key)
	if key == "" {
		s.sendError(sess, 0, protocol.ErrCodeBadRequest, "filter key must not be empty")
		return
	}

	ctx, cancel := context.WithTimeout(sess.ctx, 5*time.Second)
	defer cancel()

	if _, err := s.filters.Create(ctx, key); err != nil {
		logger.Error("failed to add filter", logger.String("key", key), logger.ErrorField(err))
		s.sendError(sess, 0, protocol.ErrCodeInternal, "failed to add filter")
		return
	}
	list, err := s.filterList(ctx)
	if err != nil {
		logger.Error("failed to list filters", logger.ErrorField(err))
		s.sendError(sess, 0, protocol.ErrCodeInternal, "failed to list filters")
		return
	}
	logger.Info("filter added", logger.String("key", key), logger.Int64("deviceId", sess.deviceID))
	s.hub.Broadcast(0, func() protocol.Message {
		return &protocol.FilterList{Filters: list}
	})
}
