package client

import (
	"sort"

	"pmpsync/core/protocol"
	"pmpsync/model"
)

// Delivery 账本按 id 顺序放行的一条动作
// Local 表示本设备自己提交的动作，已经应用过
type Delivery struct {
	protocol.ActionEntry
	Local bool
}

// Ledger 在动作进入入站队列前按 id 排序
// 缺口之后到达的动作会被扣住，直到缺口补齐
type Ledger struct {
	through int64 // 无缺口放行的最大 id
	latest  int64 // 已知服务端存在的最大 id
	held    map[int64]Delivery
}

// NewLedger 从持久化的已接收游标开始
func NewLedger(through int64) *Ledger {
	return &Ledger{through: through, latest: through, held: make(map[int64]Delivery)}
}

// Through 已连续接收的最大动作 id
func (l *Ledger) Through() int64 { return l.through }

// Reset 把游标移到 id，丢弃不超过它的扣留动作，并返回此时已连续的部分
// 用于由校验和对账而非回放来追平曲库的场景
func (l *Ledger) Reset(id int64) []Delivery {
	l.through = id
	l.Observe(id)
	for held := range l.held {
		if held <= id {
			delete(l.held, held)
		}
	}
	return l.drain()
}

// Observe 记录服务端已提交到 id
func (l *Ledger) Observe(id int64) {
	if id > l.latest {
		l.latest = id
	}
}

// Offer 接收一条动作，返回所有已变得连续的动作
// 不超过游标的 id 视为重复并丢弃；游标与已知最大 id 之间仍有缺失时 gap 为 true
func (l *Ledger) Offer(d Delivery) (ready []Delivery, gap bool) {
	if d.ActionID > l.through {
		if _, dup := l.held[d.ActionID]; !dup || d.Local {
			l.held[d.ActionID] = d
		}
		l.Observe(d.ActionID)
	}
	return l.drain(), l.Missing()
}

func (l *Ledger) drain() []Delivery {
	var ready []Delivery
	for {
		next, ok := l.held[l.through+1]
		if !ok {
			return ready
		}
		delete(l.held, next.ActionID)
		l.through = next.ActionID
		ready = append(ready, next)
	}
}

// Missing 游标与已知最大 id 之间是否还有未收到的 id
func (l *Ledger) Missing() bool {
	return l.latest > l.through
}

// Range 仍需获取的闭区间 id 范围
func (l *Ledger) Range() (from, to int64) {
	return l.through + 1, l.latest
}

// Held 缺口之后扣留的 id，升序
func (l *Ledger) Held() []int64 {
	ids := make([]int64, 0, len(l.held))
	for id := range l.held {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// entries 把区间响应包装成 Offer 的输入
func entries(list []protocol.ActionEntry) []Delivery {
	out := make([]Delivery, len(list))
	for i, e := range list {
		out[i] = Delivery{ActionEntry: e}
	}
	return out
}

// isNoop 动作在本设备上是否没有本地效果
func isNoop(a model.Action) bool {
	return a.Type == model.ActionChangeMetadata
}
