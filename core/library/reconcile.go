package library

import (
	"sort"

	"pmpsync/model"
)

// Plan 一次对账得出的动作
type Plan struct {
	Incoming []model.Action // 需要从服务端下载或替换
	Outgoing []model.Action // 需要上传到服务端
}

// Empty 无需任何动作
func (p Plan) Empty() bool {
	return len(p.Incoming) == 0 && len(p.Outgoing) == 0
}

type pendingKey struct {
	queue model.QueueName
	typ   model.ActionType
	name  string
}

// Pending 两个本地队列中尚未处理的项
type Pending struct {
	removes map[string]bool
	queued  map[pendingKey]bool
}

// NewPending 从队列内容构建
func NewPending(entries ...[]*model.QueueEntry) *Pending {
	p := &Pending{removes: make(map[string]bool), queued: make(map[pendingKey]bool)}
	for _, list := range entries {
		for _, e := range list {
			if e.Type == model.ActionRemove {
				p.removes[e.Filename] = true
			}
			p.queued[pendingKey{e.Queue, e.Type, e.Filename}] = true
		}
	}
	return p
}

func (p *Pending) removePending(name string) bool {
	return p != nil && p.removes[name]
}

func (p *Pending) alreadyQueued(q model.QueueName, t model.ActionType, name string) bool {
	return p != nil && p.queued[pendingKey{q, t, name}]
}

// Reconcile 以 (文件名, 校验和) 比较本地与远端
// 远端有而本地缺失或不一致：入站 ADD/REPLACE；本地独有：出站 ADD；
// 任一方向已有该文件的 REMOVE 时不生成动作
func Reconcile(local, remote map[string]string, pending *Pending) Plan {
	var plan Plan

	for _, name := range sortedKeys(remote) {
		if pending.removePending(name) {
			continue
		}
		sum, ok := local[name]
		var t model.ActionType
		switch {
		case !ok:
			t = model.ActionAdd
		case sum != remote[name]:
			t = model.ActionReplace
		default:
			continue
		}
		if pending.alreadyQueued(model.QueueIncoming, t, name) {
			continue
		}
		plan.Incoming = append(plan.Incoming, model.Action{Type: t, Filename: name})
	}

	for _, name := range sortedKeys(local) {
		if _, ok := remote[name]; ok || pending.removePending(name) {
			continue
		}
		if pending.alreadyQueued(model.QueueOutgoing, model.ActionAdd, name) {
			continue
		}
		plan.Outgoing = append(plan.Outgoing, model.Action{Type: model.ActionAdd, Filename: name})
	}
	return plan
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
