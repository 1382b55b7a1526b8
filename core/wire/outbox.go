package wire

import (
	"sync"

	"pmpsync/core/protocol"
)

type outboundFrame struct {
	line []byte
	msg  protocol.Message
}

// outbox 单连接的发送 FIFO
// id 分配与入队在同一把锁内完成，保证线上顺序等于调用顺序
type outbox struct {
	mu     sync.Mutex
	frames []outboundFrame
	nextID int64
	closed bool
	ready  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) push(m protocol.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrConnectionClosed
	}
	o.nextID++
	m.Hdr().ID = o.nextID
	line, err := protocol.Encode(m)
	if err != nil {
		o.nextID--
		return err
	}
	o.frames = append(o.frames, outboundFrame{line: line, msg: m})
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

func (o *outbox) drain() []outboundFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	return frames
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.frames = nil
	o.mu.Unlock()
}
