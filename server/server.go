package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pmpsync/cache"
	"pmpsync/config"
	"pmpsync/core/auth"
	"pmpsync/core/library"
	"pmpsync/core/playback"
	"pmpsync/core/wire"
	"pmpsync/db"
	"pmpsync/logger"
	"pmpsync/metrics"
	"pmpsync/repository"
	"pmpsync/storage"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

// Deps 构建 Server 所需的协作者
type Deps struct {
	Config  *config.Config
	DB      *gorm.DB
	Library *storage.Library
	Redis   *redis.Client        // 可选
	Minio   *storage.MinioMirror // 可选
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Server 所有连接共享的会话上下文：设备名单、变更租约、动作日志与播放槽
type Server struct {
	cfg *config.Config
	now func() time.Time

	devices repository.DeviceRepository
	filters repository.FilterRepository

	library   *storage.Library
	index     *library.Index
	log       *library.ActionLog
	lease     *library.LeaseSlot
	committer *library.Committer
	slot      *playback.Slot

	issuer        *auth.Issuer
	limiter       *loginLimiter
	hub           *Hub
	presence      *cache.Presence
	playbackCache *cache.PlaybackMirror
	bucket        *bucketSync
	metrics       *metrics.Metrics
	router        *wire.Router

	ctx    context.Context
	cancel context.CancelFunc

	connMu  sync.Mutex
	conns   map[*wire.Conn]struct{}
	workers sync.WaitGroup
}

// New 从曲库目录重建曲目索引，并从数据库恢复动作日志与播放槽
func New(ctx context.Context, deps Deps) (*Server, error) {
	cfg := deps.Config
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	index := library.NewIndex(deps.Library, repository.NewGormTrackRepository(deps.DB))
	count, err := index.Rescan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to index library: %w", err)
	}
	actionLog, err := library.NewActionLog(ctx, repository.NewGormActionRepository(deps.DB), now)
	if err != nil {
		return nil, err
	}
	slot, err := playback.NewSlot(ctx, repository.NewGormPlaybackRepository(deps.DB), now)
	if err != nil {
		return nil, err
	}
	lease := library.NewLeaseSlot(cfg.LeaseGrace, now)

	sctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		now:           now,
		devices:       repository.NewGormDeviceRepository(deps.DB),
		filters:       repository.NewGormFilterRepository(deps.DB),
		library:       deps.Library,
		index:         index,
		log:           actionLog,
		lease:         lease,
		committer:     library.NewCommitter(index, actionLog, lease),
		slot:          slot,
		issuer:        auth.NewIssuer(cfg.JWTSecret, now),
		limiter:       newLoginLimiter(cfg.LoginRate, cfg.LoginBurst),
		hub:           NewHub(),
		presence:      cache.NewPresence(deps.Redis),
		playbackCache: cache.NewPlaybackMirror(deps.Redis),
		bucket:        newBucketSync(deps.Minio, deps.Library, m),
		metrics:       m,
		ctx:           sctx,
		cancel:        cancel,
		conns:         make(map[*wire.Conn]struct{}),
	}
	s.router = s.newRouter()
	actionLog.OnCommit(s.onCommit)
	m.LatestActionID.Set(float64(actionLog.Latest()))

	logger.Info("library loaded",
		logger.Int("tracks", count),
		logger.Int64("latestActionId", actionLog.Latest()))
	return s, nil
}

func (s *Server) newRouter() *wire.Router {
	r := wire.NewRouter()
	wire.Handle(r, s.handleLogin)
	wire.Handle(r, s.handleActionRequest)
	wire.Handle(r, s.handleRangeRequest)
	wire.Handle(r, s.handleClaim)
	wire.Handle(r, s.handleControl)
	wire.Handle(r, s.handleUpdate)
	wire.Handle(r, s.handleFilterAdd)
	return r
}

// Run 运行后台 worker 直到 ctx 结束
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.slot.Run(ctx, s.cfg.FlushInterval)
	}()
	go func() {
		defer wg.Done()
		s.bucket.run(ctx)
	}()
	wg.Wait()
}

// ServeConn 在一个已接受的连接上运行 PMP 协议直到连接关闭
func (s *Server) ServeConn(raw net.Conn) {
	c := wire.New(raw, s.router, wire.Options{
		Name:              raw.RemoteAddr().String(),
		KeepAliveInterval: s.cfg.KeepAliveInterval,
		Now:               s.now,
	})

	s.connMu.Lock()
	if s.conns == nil {
		s.connMu.Unlock()
		raw.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, c)
		s.connMu.Unlock()
	}()

	if err := c.Open(s.ctx); err != nil {
		logger.Warn("handshake failed", logger.String("remote", c.Name()), logger.ErrorField(err))
		return
	}
	<-c.Done()
	c.Wait()
}

// ServeMessages 在 ln 上接受连接，直到 ctx 结束或监听失败
func (s *Server) ServeMessages(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.ServeConn(raw)
	}
}

// Shutdown 断开所有对端，停止会话 worker 并落盘播放状态
func (s *Server) Shutdown(ctx context.Context) error {
	s.connMu.Lock()
	conns := s.conns
	s.conns = nil
	s.connMu.Unlock()

	for c := range conns {
		c.Close("server shutting down")
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.slot.Flush(ctx)
}

// loadTLS 只有显式要求明文时才返回 nil
func loadTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.Plaintext {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair (set PMP_PLAINTEXT or --plaintext to serve without TLS): %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

// Start 初始化所有协作者并服务两个端口，直到收到 SIGINT 或 SIGTERM
func Start(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 连接数据库
	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		return err
	}
	defer db.CloseGormDB(gdb)
	if err := db.AutoMigrateModels(gdb, db.ServerModels()...); err != nil {
		return err
	}

	// Redis 可选，用于在线名单与播放状态镜像
	rdb, err := db.ConnectRedis(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info("redis connected", logger.String("host", cfg.RedisHost))
	}

	lib, err := storage.NewLibrary(cfg.LibraryDir)
	if err != nil {
		return err
	}

	mirror, err := storage.NewMinioMirror(ctx, cfg)
	if err != nil {
		logger.Warn("minio mirror disabled", logger.ErrorField(err))
		mirror = nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := New(ctx, Deps{
		Config:  cfg,
		DB:      gdb,
		Library: lib,
		Redis:   rdb,
		Minio:   mirror,
		Metrics: metrics.New(reg),
	})
	if err != nil {
		return err
	}

	tlsConfig, err := loadTLS(cfg)
	if err != nil {
		return err
	}
	if tlsConfig == nil {
		logger.Warn("TLS disabled by configuration, serving plaintext")
	}

	msgLn, err := listen(cfg.MessageAddr, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on message port: %w", err)
	}
	httpLn, err := listen(cfg.TransferAddr, tlsConfig)
	if err != nil {
		msgLn.Close()
		return fmt.Errorf("failed to listen on transfer port: %w", err)
	}

	httpServer := &http.Server{
		Handler:           srv.TransferHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go srv.Run(runCtx)

	errs := make(chan error, 2)
	go func() {
		logger.Info("message port listening", logger.String("addr", cfg.MessageAddr))
		errs <- srv.ServeMessages(ctx, msgLn)
	}()
	go func() {
		logger.Info("transfer port listening", logger.String("addr", cfg.TransferAddr))
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
			return
		}
		errs <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil {
			logger.Error("listener failed", logger.ErrorField(err))
		}
	}
	logger.Info("shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("transfer port forced to shutdown", logger.ErrorField(err))
	}
	msgLn.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", logger.ErrorField(err))
	}
	cancelRun()

	logger.Info("server stopped")
	return nil
}
