package wire

import (
	"context"
	"fmt"
	"sync"

	"pmpsync/core/protocol"
)

// RemoteError 对端以 error.v1 回复了请求
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// Call 一个进行中的请求，拥有私有的响应队列
type Call struct {
	conn   *Conn
	id     int64
	remove func()

	mu     sync.Mutex
	queue  []protocol.Response
	closed bool
	signal chan struct{}
}

// Request 分配请求 id 并发送，之后通过 Next 逐条取响应
// 响应在接收协程中由监听器入队，并取消全局分发
func (c *Conn) Request(req protocol.Request) (*Call, error) {
	id := c.nextRequest.Add(1)
	req.SetRequestID(id)

	call := &Call{conn: c, id: id, signal: make(chan struct{}, 1)}
	call.remove = c.addListener(
		func(m protocol.Message) bool {
			r, ok := m.(protocol.Response)
			return ok && r.InReplyTo() == id
		},
		func(m protocol.Message, ev *Event) {
			call.push(m.(protocol.Response))
			ev.Cancelled = true
		},
	)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		call.remove()
		return nil, ErrConnectionClosed
	}
	c.calls[call] = struct{}{}
	c.mu.Unlock()

	if err := c.Send(req); err != nil {
		call.Close()
		return nil, err
	}
	return call, nil
}

func (call *Call) ID() int64 { return call.id }

func (call *Call) push(r protocol.Response) {
	call.mu.Lock()
	call.queue = append(call.queue, r)
	call.mu.Unlock()
	call.wake()
}

func (call *Call) connectionClosed() {
	call.mu.Lock()
	call.closed = true
	call.mu.Unlock()
	call.wake()
}

func (call *Call) wake() {
	select {
	case call.signal <- struct{}{}:
	default:
	}
}

// Next 阻塞直到下一条响应、连接断开或 ctx 结束
// 已入队的响应优先于断开信号
func (call *Call) Next(ctx context.Context) (protocol.Response, error) {
	for {
		call.mu.Lock()
		if len(call.queue) > 0 {
			r := call.queue[0]
			call.queue = call.queue[1:]
			call.mu.Unlock()
			return r, nil
		}
		closed := call.closed
		call.mu.Unlock()
		if closed {
			return nil, ErrConnectionClosed
		}

		select {
		case <-call.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close 注销监听器，之后到达的响应交给全局处理器
func (call *Call) Close() {
	call.remove()
	call.conn.mu.Lock()
	delete(call.conn.calls, call)
	call.conn.mu.Unlock()
}

// Next 取下一条响应并断言为 T；error.v1 转为 *RemoteError
func Next[T protocol.Response](ctx context.Context, call *Call) (T, error) {
	var zero T
	r, err := call.Next(ctx)
	if err != nil {
		return zero, err
	}
	if e, ok := r.(*protocol.ErrorMessage); ok {
		return zero, &RemoteError{Code: e.Code, Message: e.Message}
	}
	t, ok := r.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected response %s to request %d", r.Kind(), call.id)
	}
	return t, nil
}

// Roundtrip 发送请求并等待一条响应
func Roundtrip[T protocol.Response](ctx context.Context, c *Conn, req protocol.Request) (T, error) {
	var zero T
	call, err := c.Request(req)
	if err != nil {
		return zero, err
	}
	defer call.Close()
	return Next[T](ctx, call)
}
