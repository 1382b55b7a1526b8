// Package wire 实现单条 TLS 流上的 PMP 行协议连接：握手、分帧、分发、心跳与请求关联
package wire

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pmpsync/core/protocol"
	"pmpsync/logger"
)

var (
	// ErrConnectionClosed 连接已断开，阻塞中的请求以此唤醒
	ErrConnectionClosed = errors.New("connection closed")
	// ErrHandshake 首行不是 PMP
	ErrHandshake = errors.New("handshake failed")
	// ErrKeepAliveTimeout 超时未收到对端心跳
	ErrKeepAliveTimeout = errors.New("keepalive timeout")
	// ErrPeerDisconnected 对端发送了断开通知
	ErrPeerDisconnected = errors.New("peer disconnected")
)

const (
	DefaultKeepAliveInterval = 10 * time.Second
	keepAliveTimeoutFactor   = 3
	disconnectWriteTimeout   = 2 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
)

// Options 连接参数
type Options struct {
	Name              string // 日志中的连接名
	KeepAliveInterval time.Duration
	// KeepAliveTimeout 默认为 3 倍心跳间隔
	KeepAliveTimeout time.Duration
	Now              func() time.Time
}

func (o *Options) normalize() {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = keepAliveTimeoutFactor * o.KeepAliveInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Name == "" {
		o.Name = "conn"
	}
}

// Conn 一条 PMP 连接，拥有一个发送协程和一个接收协程
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	router *Router
	opts   Options
	name   string

	outbox      *outbox
	nextRequest atomic.Int64

	writeMu sync.Mutex
	writer  *bufio.Writer

	mu            sync.Mutex
	connected     bool
	closing       bool // 本端主动断开
	closed        bool
	lastKeepAlive time.Time
	listeners     []*listener
	calls         map[*Call]struct{}
	observers     []func(error)
	attachment    any

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// New 包装一个已建立的传输连接，调用 Open 后才开始收发
func New(raw net.Conn, router *Router, opts Options) *Conn {
	opts.normalize()
	return &Conn{
		raw:    raw,
		reader: bufio.NewReader(raw),
		writer: bufio.NewWriter(raw),
		router: router,
		opts:   opts,
		name:   opts.Name,
		outbox: newOutbox(),
		calls:  make(map[*Call]struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Conn) Name() string { return c.name }

// RemoteAddr 对端地址
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Attach 关联上层会话对象
func (c *Conn) Attach(v any) {
	c.mu.Lock()
	c.attachment = v
	c.mu.Unlock()
}

func (c *Conn) Attachment() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachment
}

// OnClose 注册断开观察者，err 为 nil 表示本端主动断开
// 连接已断开时立即调用
func (c *Conn) OnClose(fn func(err error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Connected 握手完成且尚未断开
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done 断开后关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 断开原因
func (c *Conn) Err() error {
	<-c.done
	return c.closeErr
}

// Open 完成 PMP 握手并启动收发协程
func (c *Conn) Open(ctx context.Context) error {
	if err := c.handshake(ctx); err != nil {
		c.raw.Close()
		c.closeOnce.Do(func() {
			c.mu.Lock()
			c.closed = true
			c.closeErr = err
			c.mu.Unlock()
			c.outbox.close()
			close(c.done)
		})
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.lastKeepAlive = c.opts.Now()
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.sendLoop()
	logger.Debug("connection established", logger.String("conn", c.name))
	return nil
}

func (c *Conn) handshake(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	c.raw.SetDeadline(deadline)
	defer c.raw.SetDeadline(time.Time{})

	werr := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c.raw, protocol.Handshake+"\n")
		werr <- err
	}()

	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.raw.Close()
		<-werr
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if strings.TrimRight(line, "\r\n") != protocol.Handshake {
		c.raw.Close()
		<-werr
		return fmt.Errorf("%w: unexpected first line %q", ErrHandshake, truncate(line, 32))
	}
	if err := <-werr; err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return nil
}

// Send 入队一条消息，立即返回；顺序与调用顺序一致
func (c *Conn) Send(m protocol.Message) error {
	if _, ok := m.(*protocol.Disconnect); ok {
		return fmt.Errorf("disconnect notices are written by Close")
	}
	return c.outbox.push(m)
}

// Close 主动断开：绕过发送队列直接写断开通知，然后拆除连接
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if !c.connected || c.closing {
		c.mu.Unlock()
		c.shutdown(nil)
		return
	}
	c.closing = true
	c.mu.Unlock()

	if line, err := protocol.Encode(&protocol.Disconnect{Reason: reason}); err == nil {
		c.writeMu.Lock()
		c.raw.SetWriteDeadline(time.Now().Add(disconnectWriteTimeout))
		c.writer.Write(line)
		c.writer.WriteByte('\n')
		c.writer.Flush()
		c.writeMu.Unlock()
	}
	c.shutdown(nil)
}

// Wait 等待收发协程退出
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) intentional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// shutdown 本地拆除，只执行一次
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.closed = true
		c.closeErr = cause
		calls := c.calls
		c.calls = make(map[*Call]struct{})
		observers := append([]func(error){}, c.observers...)
		c.mu.Unlock()

		c.outbox.close()
		close(c.done)
		c.raw.Close()

		for call := range calls {
			call.connectionClosed()
		}
		if cause != nil {
			logger.Info("connection lost", logger.String("conn", c.name), logger.ErrorField(cause))
		} else {
			logger.Debug("connection closed", logger.String("conn", c.name))
		}
		for _, fn := range observers {
			fn(cause)
		}
	})
}

// fail I/O 错误：若本端已主动断开则忽略
func (c *Conn) fail(err error) {
	if c.intentional() {
		c.shutdown(nil)
		return
	}
	c.shutdown(err)
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if len(bytes.TrimSpace(line)) == 0 {
				c.fail(fmt.Errorf("read: %w", err))
				return
			}
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			if stop := c.handleFrame(line); stop {
				return
			}
		}
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
	}
}

// handleFrame 返回 true 表示连接已结束
func (c *Conn) handleFrame(line []byte) bool {
	m, err := protocol.Decode(line)
	if err != nil {
		logger.Warn("dropping undecodable frame",
			logger.String("conn", c.name),
			logger.String("frame", truncate(string(line), 256)),
			logger.ErrorField(err))
		return false
	}
	if logger.DebugEnabled() {
		logger.Debug("recv", logger.String("conn", c.name), logger.String("msg", protocol.LogString(m)))
	}

	switch m.(type) {
	case *protocol.KeepAlive:
		c.mu.Lock()
		c.lastKeepAlive = c.opts.Now()
		c.mu.Unlock()
		return false
	case *protocol.Disconnect:
		c.shutdown(ErrPeerDisconnected)
		return true
	}

	c.dispatch(m)
	return false
}

func (c *Conn) dispatch(m protocol.Message) {
	c.mu.Lock()
	ls := append([]*listener(nil), c.listeners...)
	c.mu.Unlock()

	ev := &Event{}
	for _, l := range ls {
		if l.match(m) {
			l.fn(m, ev)
		}
	}
	if ev.Cancelled {
		return
	}
	c.router.dispatch(c, m)
}

func (c *Conn) addListener(match func(protocol.Message) bool, fn func(protocol.Message, *Event)) func() {
	l := &listener{match: match, fn: fn}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, x := range c.listeners {
			if x == l {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Conn) sendLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.outbox.ready:
			if err := c.flush(c.outbox.drain()); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			c.keepAliveTick()
		}
	}
}

func (c *Conn) flush(frames []outboundFrame) error {
	if len(frames) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range frames {
		if logger.DebugEnabled() {
			logger.Debug("send", logger.String("conn", c.name), logger.String("msg", protocol.LogString(f.msg)))
		}
		if _, err := c.writer.Write(f.line); err != nil {
			return err
		}
		if err := c.writer.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *Conn) keepAliveTick() {
	c.mu.Lock()
	silent := c.opts.Now().Sub(c.lastKeepAlive)
	c.mu.Unlock()

	if silent > c.opts.KeepAliveTimeout {
		logger.Warn("keepalive timeout",
			logger.String("conn", c.name),
			logger.Duration("silent", silent))
		c.shutdown(ErrKeepAliveTimeout)
		return
	}
	c.Send(&protocol.KeepAlive{})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
