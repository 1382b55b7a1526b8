// Package protocol 定义 PMP 行协议的消息集合与编解码
package protocol

import (
	"pmpsync/model"
)

// Message 所有线上消息的公共接口
type Message interface {
	// Kind 返回带版本的类型判别值，例如 "keep_alive.v1"
	Kind() string
	Hdr() *Header
}

// Header 每条消息都带的公共字段
// ID 由发送端按连接递增分配，0 表示未分配
type Header struct {
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
}

func (h *Header) Hdr() *Header { return h }

// Request 需要关联响应的请求
type Request interface {
	Message
	RequestID() int64
	SetRequestID(id int64)
}

// Response 针对某个请求的响应，同一请求可以收到多条
type Response interface {
	Message
	InReplyTo() int64
}

// Req 嵌入到请求消息中
type Req struct {
	ReqID int64 `json:"requestId"`
}

func (r *Req) RequestID() int64      { return r.ReqID }
func (r *Req) SetRequestID(id int64) { r.ReqID = id }

// Reply 嵌入到响应消息中，回显请求 id
type Reply struct {
	ReplyTo int64 `json:"requestId,omitempty"`
}

func (r *Reply) InReplyTo() int64 { return r.ReplyTo }

// ========== 连接控制 ==========

// KeepAlive 心跳
type KeepAlive struct {
	Header
}

func (*KeepAlive) Kind() string { return "keep_alive.v1" }

// Disconnect 主动断开通知，绕过发送队列直接写入
type Disconnect struct {
	Header
	Reason string `json:"reason,omitempty"`
}

func (*Disconnect) Kind() string { return "disconnect.v1" }

// ErrorMessage 服务端错误回复；ReplyTo 为 0 时不属于任何请求
type ErrorMessage struct {
	Header
	Reply
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*ErrorMessage) Kind() string { return "error.v1" }

const (
	ErrCodeNotOwner   = "NOT_OWNER"
	ErrCodeNoOwner    = "NO_OWNER"
	ErrCodeBadRequest = "BAD_REQUEST"
	ErrCodeInternal   = "INTERNAL"
)

// ========== 登录 ==========

// LoginRequest DeviceID 为 0 表示新设备，需要提供服务器密码
type LoginRequest struct {
	Header
	Req
	DeviceID     int64  `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	Password     string `json:"password,omitempty"`
	Token        string `json:"token,omitempty"`
	LastActionID int64  `json:"lastActionId"`
}

func (*LoginRequest) Kind() string { return "login_request.v1" }

// Redacted 返回去除密码与令牌的副本
func (m *LoginRequest) Redacted() Message {
	c := *m
	c.Password = redact(c.Password)
	c.Token = redact(c.Token)
	return &c
}

type LoginStatus string

const (
	LoginOK     LoginStatus = "OK"
	LoginDenied LoginStatus = "DENIED"
)

// ReasonRateLimited 登录过于频繁，稍后重试即可
const ReasonRateLimited = "too many login attempts"

// LoginResponse 登录结果，附带追赶所需的全部状态
type LoginResponse struct {
	Header
	Reply
	Status         LoginStatus             `json:"status"`
	Reason         string                  `json:"reason,omitempty"`
	DeviceID       int64                   `json:"deviceId,omitempty"`
	Token          string                  `json:"token,omitempty"`
	LatestActionID int64                   `json:"latestActionId"`
	Playback       *model.PlaybackSnapshot `json:"playback,omitempty"`
	OwnerID        int64                   `json:"ownerId"`
	Filters        []model.Filter          `json:"filters,omitempty"`
}

func (*LoginResponse) Kind() string { return "login_response.v1" }

// Redacted 返回去除令牌的副本
func (m *LoginResponse) Redacted() Message {
	c := *m
	c.Token = redact(c.Token)
	return &c
}

// ========== 曲库动作 ==========

// ActionRequest 请求提交一次曲库变更
type ActionRequest struct {
	Header
	Req
	Action model.Action `json:"action"`
}

func (*ActionRequest) Kind() string { return "action_request.v1" }

type ActionStatus string

const (
	ActionQueued    ActionStatus = "QUEUED"
	ActionApproved  ActionStatus = "APPROVED"
	ActionCompleted ActionStatus = "COMPLETED"
	ActionInvalid   ActionStatus = "INVALID"
)

// Terminal COMPLETED 与 INVALID 之后不会再有响应
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionInvalid
}

// ActionResponse 同一请求依次收到 QUEUED → APPROVED → COMPLETED，或直接 INVALID
type ActionResponse struct {
	Header
	Reply
	Status   ActionStatus `json:"status"`
	ActionID int64        `json:"actionId"`
	Reason   string       `json:"reason,omitempty"`
}

func (*ActionResponse) Kind() string { return "action_response.v1" }

// ActionEntry 已提交的动作及其 id
type ActionEntry struct {
	ActionID int64        `json:"actionId"`
	Action   model.Action `json:"action"`
}

// ActionMessage 提交成功后点对点发给其他设备
type ActionMessage struct {
	Header
	ActionEntry
}

func (*ActionMessage) Kind() string { return "action.v1" }

// ActionRangeRequest 请求 [From, To] 闭区间内的动作
type ActionRangeRequest struct {
	Header
	Req
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (*ActionRangeRequest) Kind() string { return "action_range_request.v1" }

type ActionRangeResponse struct {
	Header
	Reply
	Actions []ActionEntry `json:"actions"`
}

func (*ActionRangeResponse) Kind() string { return "action_range_response.v1" }

// ========== 播放 ==========

// PlaybackFields 可选字段，缺省表示未变化
// 在 update 中 Position 随 Playing 解释：播放中为 epoch（Unix 毫秒），暂停时为绝对毫秒
// 在 control 中 Position 总是绝对毫秒（跳转目标）
type PlaybackFields struct {
	Session       int                 `json:"session,omitempty"` // 多会话占位，当前只有全局单槽
	Track         *string             `json:"track,omitempty"`
	Playing       *bool               `json:"playing,omitempty"`
	Position      *int64              `json:"position,omitempty"`
	Shuffle       *model.ShuffleMode  `json:"shuffle,omitempty"`
	Repeat        *model.RepeatMode   `json:"repeat,omitempty"`
	FilterOptions model.FilterOptions `json:"filterOptions,omitempty"`
}

// Empty 没有任何字段
func (f *PlaybackFields) Empty() bool {
	return f.Track == nil && f.Playing == nil && f.Position == nil &&
		f.Shuffle == nil && f.Repeat == nil && len(f.FilterOptions) == 0
}

// PlaybackClaim 声明成为播放所有者，不带设备字段
type PlaybackClaim struct {
	Header
}

func (*PlaybackClaim) Kind() string { return "playback_claim.v1" }

// PlaybackOwner 所有者广播，OwnerID 为 0 表示无主
type PlaybackOwner struct {
	Header
	OwnerID int64 `json:"ownerId"`
}

func (*PlaybackOwner) Kind() string { return "playback_owner.v1" }

// PlaybackControl 非所有者发出的命令，服务端原样转发给所有者
type PlaybackControl struct {
	Header
	PlaybackFields
}

func (*PlaybackControl) Kind() string { return "playback_control.v1" }

// PlaybackUpdate 所有者的状态增量
type PlaybackUpdate struct {
	Header
	PlaybackFields
}

func (*PlaybackUpdate) Kind() string { return "playback_update.v1" }

// ========== 筛选条件 ==========

// FilterAdd 新增筛选条件
type FilterAdd struct {
	Header
	Key string `json:"key"`
}

func (*FilterAdd) Kind() string { return "filter_add.v1" }

// FilterList 完整筛选条件列表
type FilterList struct {
	Header
	Filters []model.Filter `json:"filters"`
}

func (*FilterList) Kind() string { return "filter_list.v1" }
