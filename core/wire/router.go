package wire

import (
	"sync"

	"pmpsync/core/protocol"
	"pmpsync/logger"
)

// Event 在一次入站分发中被所有监听器共享
// 任一监听器都可以写 Cancelled，最后一次写入生效；为 true 时不再交给全局处理器
type Event struct {
	Cancelled bool
}

type listener struct {
	match func(protocol.Message) bool
	fn    func(protocol.Message, *Event)
}

// Listen 在连接上注册一个按类型匹配的临时监听器，返回注销函数
// 监听器在接收协程中同步执行，不能长时间阻塞
func Listen[T protocol.Message](c *Conn, fn func(m T, ev *Event)) (remove func()) {
	return c.addListener(
		func(m protocol.Message) bool { _, ok := m.(T); return ok },
		func(m protocol.Message, ev *Event) { fn(m.(T), ev) },
	)
}

type handlerEntry struct {
	match func(protocol.Message) bool
	fn    func(*Conn, protocol.Message)
}

// Router 全局处理器表，所有连接共享
type Router struct {
	mu       sync.RWMutex
	handlers []handlerEntry
}

func NewRouter() *Router {
	return &Router{}
}

// Handle 注册某个消息类型的全局处理器
func Handle[T protocol.Message](r *Router, fn func(c *Conn, m T)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handlerEntry{
		match: func(m protocol.Message) bool { _, ok := m.(T); return ok },
		fn:    func(c *Conn, m protocol.Message) { fn(c, m.(T)) },
	})
}

// dispatch 只交给一个匹配的处理器；没有或多于一个都记录异常
func (r *Router) dispatch(c *Conn, m protocol.Message) {
	if r == nil {
		return
	}
	r.mu.RLock()
	var matched []handlerEntry
	for _, h := range r.handlers {
		if h.match(m) {
			matched = append(matched, h)
		}
	}
	r.mu.RUnlock()

	switch len(matched) {
	case 0:
		logger.Warn("no handler for message",
			logger.String("conn", c.name),
			logger.String("type", m.Kind()))
		return
	case 1:
	default:
		logger.Warn("multiple handlers for message, using the first",
			logger.String("conn", c.name),
			logger.String("type", m.Kind()),
			logger.Int("handlers", len(matched)))
	}
	matched[0].fn(c, m)
}
