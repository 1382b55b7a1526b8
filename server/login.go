package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"pmpsync/core/auth"
	"pmpsync/core/protocol"
	"pmpsync/core/wire"
	"pmpsync/logger"
	"pmpsync/model"

	"golang.org/x/time/rate"
)

const (
	loginTimeout     = 10 * time.Second
	limiterIdleAfter = 10 * time.Minute
)

var errUnknownDevice = errors.New("unknown device")

// loginLimiter 每个远端 IP 一个令牌桶
type loginLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLoginLimiter(perSecond float64, burst int) *loginLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &loginLimiter{limit: limit, burst: burst, limiters: make(map[string]*limiterEntry)}
}

func (l *loginLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.limiters {
		if now.Sub(e.lastSeen) > limiterIdleAfter {
			delete(l.limiters, key)
		}
	}
	e, ok := l.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// handleLogin 认证连接并为其挂上会话
func (s *Server) handleLogin(c *wire.Conn, req *protocol.LoginRequest) {
	reply := protocol.Reply{ReplyTo: req.RequestID()}
	deny := func(reason string) {
		s.metrics.LoginsTotal.WithLabelValues("denied").Inc()
		c.Send(&protocol.LoginResponse{
			Reply:          reply,
			Status:         protocol.LoginDenied,
			Reason:         reason,
			LatestActionID: model.NoAction,
		})
	}

	if c.Attachment() != nil {
		deny("already logged in")
		return
	}
	ip := remoteIP(c.RemoteAddr())
	if !s.limiter.allow(ip, s.now()) {
		logger.Warn("login rate limited", logger.String("remote", ip))
		deny(protocol.ReasonRateLimited)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, loginTimeout)
	defer cancel()

	device, err := s.authenticate(ctx, req)
	if err != nil {
		logger.Warn("login denied",
			logger.String("remote", ip),
			logger.Int64("deviceId", req.DeviceID),
			logger.ErrorField(err))
		switch {
		case errors.Is(err, auth.ErrBadPassword), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, errUnknownDevice):
			deny(err.Error())
		default:
			deny("internal error")
		}
		return
	}

	token, tokenID, err := s.issuer.Issue(device.ID)
	if err == nil {
		err = s.devices.UpdateToken(ctx, device.ID, tokenID)
	}
	if err != nil {
		logger.Error("failed to rotate session token", logger.Int64("deviceId", device.ID), logger.ErrorField(err))
		deny("internal error")
		return
	}

	filters, err := s.filterList(ctx)
	if err != nil {
		logger.Error("failed to load filters", logger.ErrorField(err))
		deny("internal error")
		return
	}

	sess := newSession(s.ctx, c, device)
	c.Attach(sess)

	// 日志锁内注册并回复：登录响应里的最新 id 之后的每条提交都会推送给该会话
	var displaced *Session
	s.log.WithLatest(func(latest int64) {
		displaced = s.hub.Register(sess)
		snap := s.slot.Snapshot()
		c.Send(&protocol.LoginResponse{
			Reply:          reply,
			Status:         protocol.LoginOK,
			DeviceID:       device.ID,
			Token:          token,
			LatestActionID: latest,
			Playback:       &snap,
			OwnerID:        s.slot.Owner(),
			Filters:        filters,
		})
	})
	c.OnClose(func(error) { s.endSession(sess) })

	if displaced != nil {
		logger.Info("device logged in from another connection",
			logger.Int64("deviceId", device.ID),
			logger.String("previous", displaced.conn.Name()))
		displaced.conn.Close("logged in from another connection")
	} else {
		s.metrics.ConnectedDevices.Inc()
	}
	s.metrics.LoginsTotal.WithLabelValues("ok").Inc()
	logger.Info("device online",
		logger.Int64("deviceId", device.ID),
		logger.String("name", device.Name),
		logger.String("remote", ip),
		logger.Int64("lastActionId", req.LastActionID))

	s.startSession(sess)
}

// authenticate 解析登录请求对应的设备
// 新设备需提供服务器密码，已登记设备出示当前令牌
func (s *Server) authenticate(ctx context.Context, req *protocol.LoginRequest) (*model.Device, error) {
	if req.DeviceID == model.NoDevice {
		if err := auth.CheckPassword(req.Password, s.cfg.ServerPasswordHash); err != nil {
			return nil, err
		}
		name := strings.TrimSpace(req.DeviceName)
		if name == "" {
			name = "device"
		}
		device := &model.Device{Name: name, LastSeenAt: s.now()}
		if err := s.devices.Create(ctx, device); err != nil {
			return nil, fmt.Errorf("register device: %w", err)
		}
		logger.Info("registered new device", logger.Int64("deviceId", device.ID), logger.String("name", name))
		return device, nil
	}

	device, err := s.devices.GetByID(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device == nil {
		return nil, errUnknownDevice
	}
	if err := s.issuer.Verify(req.Token, device.ID, device.TokenID); err != nil {
		return nil, err
	}
	return device, nil
}

func (s *Server) filterList(ctx context.Context) ([]model.Filter, error) {
	rows, err := s.filters.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Filter, 0, len(rows))
	for _, f := range rows {
		out = append(out, *f)
	}
	return out, nil
}
