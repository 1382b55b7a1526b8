// Package client PMP 的设备端，跨重连保持本地曲库、播放镜像与服务端一致
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"pmpsync/config"
	"pmpsync/core/library"
	"pmpsync/core/playback"
	"pmpsync/core/protocol"
	"pmpsync/core/wire"
	"pmpsync/logger"
	"pmpsync/model"
	"pmpsync/repository"
	"pmpsync/storage"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
)

const (
	requestTimeout    = 15 * time.Second
	reconnectMin      = 500 * time.Millisecond
	reconnectMax      = 30 * time.Second
	rescanDebounce    = 2 * time.Second
	transferOpTimeout = 10 * time.Minute
)

var (
	// ErrOffline 需要在线连接的操作在离线时返回
	ErrOffline = errors.New("not connected to server")
	// ErrNoCredentials 新设备且未提供服务器密码
	ErrNoCredentials = errors.New("device not registered and no server password given")
)

// DeniedError 服务端拒绝的登录
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "login denied: " + e.Reason }

// Temporary 稍后重试是否可能成功
func (e *DeniedError) Temporary() bool { return e.Reason == protocol.ReasonRateLimited }

// Options 客户端配置；Dial 与 TransferURL 默认指向 Config.ServerHost 加上
// Config.MessageAddr/TransferAddr 的端口
type Options struct {
	Config   *config.Config
	DB       *gorm.DB // 客户端表结构，见 db.ClientModels
	Library  *storage.Library
	Password string // 服务器密码，仅首次登录需要

	Plaintext   bool // 服务端未启用 TLS
	Dial        func(ctx context.Context) (net.Conn, error)
	TransferURL string
	HTTPClient  *http.Client
	Now         func() time.Time
}

// Client 一台设备；Run 驱动它，其余方法可在 Run 期间从任意 goroutine 调用
type Client struct {
	cfg      *config.Config
	password string
	dial     func(ctx context.Context) (net.Conn, error)
	now      func() time.Time

	state    repository.StateRepository
	lib      *storage.Library
	index    *library.Index
	incoming *library.Deque
	outgoing *library.Deque
	mirror   *playback.Mirror
	transfer *transferClient
	router   *wire.Router

	gap    chan struct{}
	rescan chan struct{}

	// mu 保证账本放行与入站队列入队的顺序一致
	mu       sync.Mutex
	ledger   *Ledger
	conn     *wire.Conn
	deviceID int64
	filters  []model.Filter
	onFilter func([]model.Filter)
}

// New 把客户端接到本地状态上，Run 之前不触网
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil || opts.DB == nil || opts.Library == nil {
		return nil, errors.New("client: config, database and library are required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dial := opts.Dial
	if dial == nil {
		addr, err := hostAddr(cfg.ServerHost, cfg.MessageAddr)
		if err != nil {
			return nil, err
		}
		dial = dialer(addr, cfg, opts.Plaintext)
	}
	transferURL := opts.TransferURL
	if transferURL == "" {
		addr, err := hostAddr(cfg.ServerHost, cfg.TransferAddr)
		if err != nil {
			return nil, err
		}
		scheme := "https"
		if opts.Plaintext {
			scheme = "http"
		}
		transferURL = scheme + "://" + addr
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient(cfg.TLSInsecure)
	}
	transfer, err := newTransferClient(transferURL, httpClient)
	if err != nil {
		return nil, err
	}

	queues := repository.NewGormQueueRepository(opts.DB)
	c := &Client{
		cfg:      cfg,
		password: opts.Password,
		dial:     dial,
		now:      now,
		state:    repository.NewGormStateRepository(opts.DB),
		lib:      opts.Library,
		index:    library.NewIndex(opts.Library, repository.NewGormTrackRepository(opts.DB)),
		incoming: library.NewDeque(queues, model.QueueIncoming),
		outgoing: library.NewDeque(queues, model.QueueOutgoing),
		mirror:   playback.NewMirror(now),
		transfer: transfer,
		gap:      make(chan struct{}, 1),
		rescan:   make(chan struct{}, 1),
		ledger:   NewLedger(model.NoAction),
	}
	c.router = c.newRouter()
	return c, nil
}

func (c *Client) newRouter() *wire.Router {
	r := wire.NewRouter()
	wire.Handle(r, c.handleAction)
	wire.Handle(r, func(_ *wire.Conn, m *protocol.PlaybackOwner) {
		c.mirror.SetOwner(m.OwnerID)
	})
	wire.Handle(r, func(_ *wire.Conn, m *protocol.PlaybackUpdate) {
		c.mirror.ApplyUpdate(m.PlaybackFields)
	})
	wire.Handle(r, func(_ *wire.Conn, m *protocol.PlaybackControl) {
		if err := c.mirror.ApplyControl(m.PlaybackFields); err != nil {
			logger.Warn("dropping playback control", logger.ErrorField(err))
		}
	})
	wire.Handle(r, c.handleFilterList)
	wire.Handle(r, func(_ *wire.Conn, m *protocol.ErrorMessage) {
		logger.Warn("server error", logger.String("code", m.Code), logger.String("message", m.Message))
	})
	return r
}

func hostAddr(host, listenAddr string) (string, error) {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", listenAddr, err)
	}
	return net.JoinHostPort(host, port), nil
}

func dialer(addr string, cfg *config.Config, plaintext bool) func(ctx context.Context) (net.Conn, error) {
	if plaintext {
		var d net.Dialer
		return func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	d := &tls.Dialer{Config: &tls.Config{
		ServerName:         cfg.ServerHost,
		InsecureSkipVerify: cfg.TLSInsecure, //nolint:gosec // self-signed servers are opted into by config
		MinVersion:         tls.VersionTLS12,
	}}
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Playback 共享播放状态的本地镜像
func (c *Client) Playback() *playback.Mirror { return c.mirror }

// Index 本地曲目索引
func (c *Client) Index() *library.Index { return c.index }

// DeviceID 服务端分配的设备 id，首次登录前为 NoDevice
func (c *Client) DeviceID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Connected 是否有已登录的活跃会话
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Connected()
}

// Filters 最近一次收到的过滤键列表
func (c *Client) Filters() []model.Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Filter(nil), c.filters...)
}

// OnFilters 注册过滤键列表广播的回调
func (c *Client) OnFilters(fn func([]model.Filter)) {
	c.mu.Lock()
	c.onFilter = fn
	c.mu.Unlock()
}

// AddFilter 请求服务端添加过滤键，结果以过滤键列表广播返回
func (c *Client) AddFilter(key string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}
	return conn.Send(&protocol.FilterAdd{Key: key})
}

func (c *Client) handleFilterList(_ *wire.Conn, m *protocol.FilterList) {
	c.mu.Lock()
	c.filters = m.Filters
	fn := c.onFilter
	c.mu.Unlock()
	if fn != nil {
		fn(m.Filters)
	}
}

// Run 同步直到 ctx 结束，断线后按指数退避重连
// 只有服务端拒绝本设备凭据时才提前返回
func (c *Client) Run(ctx context.Context) error {
	st, err := c.state.Load(ctx)
	if err != nil {
		return err
	}
	if st.DeviceID == model.NoDevice && c.password == "" {
		return ErrNoCredentials
	}
	if _, err := c.index.Rescan(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := c.watch(ctx); err != nil {
			logger.Warn("library watcher stopped", logger.ErrorField(err))
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectMin
	b.MaxInterval = reconnectMax

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := c.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		var denied *DeniedError
		if errors.As(err, &denied) && !denied.Temporary() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("connection lost, reconnecting",
				logger.ErrorField(err),
				logger.Duration("backoff", next))
		}),
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// session 负责一次连接从拨号到拆除的全过程，总是返回说明连接结束原因的非 nil 错误
func (c *Client) session(ctx context.Context, loggedIn func()) error {
	st, err := c.state.Load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ledger = NewLedger(st.ReceivedThrough)
	c.mu.Unlock()

	raw, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := wire.New(raw, c.router, wire.Options{
		Name:              "server",
		KeepAliveInterval: c.cfg.KeepAliveInterval,
		Now:               c.now,
	})
	if err := conn.Open(ctx); err != nil {
		return err
	}
	defer func() {
		conn.Close("client shutting down")
		conn.Wait()
	}()

	resp, err := c.login(ctx, conn, st)
	if err != nil {
		return err
	}
	loggedIn()
	if err := c.attach(ctx, conn, resp, st.ReceivedThrough); err != nil {
		return err
	}
	defer c.detach(conn)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	workers := []func(context.Context, *wire.Conn) error{c.syncLoop, c.handleIncoming, c.sendOutgoing}
	errs := make(chan error, len(workers))
	var wg sync.WaitGroup
	for _, run := range workers {
		wg.Add(1)
		go func(run func(context.Context, *wire.Conn) error) {
			defer wg.Done()
			errs <- run(sctx, conn)
		}(run)
	}

	var cause error
	select {
	case <-conn.Done():
		cause = conn.Err()
	case cause = <-errs:
	case <-ctx.Done():
		cause = ctx.Err()
	}
	cancel()
	wg.Wait()
	if cause == nil {
		cause = wire.ErrConnectionClosed
	}
	return cause
}

func (c *Client) login(ctx context.Context, conn *wire.Conn, st *model.ClientState) (*protocol.LoginResponse, error) {
	req := &protocol.LoginRequest{
		DeviceID:     st.DeviceID,
		DeviceName:   c.cfg.DeviceName,
		Token:        st.Token,
		LastActionID: st.ReceivedThrough,
	}
	if st.DeviceID == model.NoDevice {
		req.Password = c.password
	}

	lctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := wire.Roundtrip[*protocol.LoginResponse](lctx, conn, req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp.Status != protocol.LoginOK {
		return nil, &DeniedError{Reason: resp.Reason}
	}
	if err := c.state.SaveCredentials(ctx, resp.DeviceID, resp.Token); err != nil {
		return nil, err
	}
	logger.Info("logged in",
		logger.Int64("deviceId", resp.DeviceID),
		logger.Int64("receivedThrough", st.ReceivedThrough),
		logger.Int64("latestActionId", resp.LatestActionID))
	return resp, nil
}

// attach 发布已登录的连接
// 从未同步过的设备，或游标超过已重置服务端的设备，跳过回放，改由校验和对账补齐
func (c *Client) attach(ctx context.Context, conn *wire.Conn, resp *protocol.LoginResponse, through int64) error {
	c.transfer.setCredentials(resp.DeviceID, resp.Token)
	c.mirror.Attach(resp.DeviceID, conn.Send, resp.Playback, resp.OwnerID)

	c.mu.Lock()
	c.conn = conn
	c.deviceID = resp.DeviceID
	c.filters = resp.Filters
	var err error
	if through == model.NoAction || resp.LatestActionID < through {
		if err = c.releaseLocked(ctx, c.ledger.Reset(resp.LatestActionID)); err == nil {
			err = c.state.SetReceivedThrough(ctx, c.ledger.Through())
		}
	} else {
		c.ledger.Observe(resp.LatestActionID)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.signal(c.gap)
	return nil
}

func (c *Client) detach(conn *wire.Conn) {
	c.mirror.Detach()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// handleAction 在接收 goroutine 上处理每条提交广播
func (c *Client) handleAction(conn *wire.Conn, m *protocol.ActionMessage) {
	if err := c.deliver(context.Background(), Delivery{ActionEntry: m.ActionEntry}); err != nil {
		logger.Error("failed to record action, reconnecting",
			logger.Int64("actionId", m.ActionID),
			logger.ErrorField(err))
		conn.Close("local state error")
	}
}

// deliver 把动作交给账本，并把变得连续的部分入队
func (c *Client) deliver(ctx context.Context, ds ...Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range ds {
		ready, _ := c.ledger.Offer(d)
		if err := c.releaseLocked(ctx, ready); err != nil {
			return err
		}
	}
	if c.ledger.Missing() {
		c.signal(c.gap)
	}
	return nil
}

// releaseLocked 把放行的动作入队并持久化游标
func (c *Client) releaseLocked(ctx context.Context, ready []Delivery) error {
	if len(ready) == 0 {
		return nil
	}
	for _, d := range ready {
		if d.Local || isNoop(d.Action) {
			continue
		}
		if err := c.incoming.PushBack(ctx, d.Action, d.ActionID); err != nil {
			return err
		}
	}
	return c.state.SetReceivedThrough(ctx, c.ledger.Through())
}

// Submit 把曲库变更排队发往服务端，重启后仍保留，连上后发送
func (c *Client) Submit(ctx context.Context, action model.Action) error {
	if !action.Type.Valid() {
		return fmt.Errorf("%w: %q", library.ErrInvalidAction, action.Type)
	}
	if err := storage.ValidateName(action.Filename); err != nil {
		return err
	}
	return c.outgoing.PushBack(ctx, action, model.NoAction)
}

// Pending 按出队顺序列出两个本地队列
func (c *Client) Pending(ctx context.Context) (incoming, outgoing []*model.QueueEntry, err error) {
	if incoming, err = c.incoming.Entries(ctx); err != nil {
		return nil, nil, err
	}
	if outgoing, err = c.outgoing.Entries(ctx); err != nil {
		return nil, nil, err
	}
	return incoming, outgoing, nil
}

// Import 把 r 复制进曲库作为 name 并排队 ADD，文件已存在时排队 REPLACE
func (c *Client) Import(ctx context.Context, name string, r io.Reader) error {
	typ := model.ActionAdd
	if _, err := c.lib.Stat(name); err == nil {
		typ = model.ActionReplace
	}
	if _, err := c.lib.WriteAtomic(name, r); err != nil {
		return err
	}
	if _, err := c.index.Refresh(ctx, name); err != nil {
		return err
	}
	return c.Submit(ctx, model.Action{Type: typ, Filename: name})
}

// Remove 在本地删除 name 并排队同步删除
func (c *Client) Remove(ctx context.Context, name string) error {
	if err := c.lib.Remove(name); err != nil && !errors.Is(err, storage.ErrNotExist) {
		return err
	}
	if err := c.index.Forget(ctx, name); err != nil {
		return err
	}
	return c.Submit(ctx, model.Action{Type: model.ActionRemove, Filename: name})
}
