package model

import "time"

// ActionType 曲库变更类型
type ActionType string

const (
	ActionAdd            ActionType = "ADD"
	ActionRemove         ActionType = "REMOVE"
	ActionReplace        ActionType = "REPLACE"
	ActionChangeMetadata ActionType = "CHANGE_METADATA"
)

// Valid 是否为已知类型
func (t ActionType) Valid() bool {
	switch t {
	case ActionAdd, ActionRemove, ActionReplace, ActionChangeMetadata:
		return true
	}
	return false
}

// NeedsTransfer ADD/REPLACE 需要通过传输端口上传文件内容
func (t ActionType) NeedsTransfer() bool {
	return t == ActionAdd || t == ActionReplace
}

// Action 一次曲库变更请求的内容，提交后不可变
type Action struct {
	Type     ActionType `json:"type"`
	Filename string     `json:"filename"`
	Metadata Metadata   `json:"metadata,omitempty"`
}

// NoAction 表示尚未应用任何动作时的游标值
const NoAction int64 = -1

// ActionRecord 已提交的动作日志
// Seq 从 0 开始连续递增；单独的自增主键避免数据库把 0 当作"未赋值"
type ActionRecord struct {
	ID          uint       `json:"-" gorm:"primaryKey;autoIncrement"`
	Seq         int64      `json:"actionId" gorm:"uniqueIndex;not null"`
	Type        ActionType `json:"type" gorm:"size:20;not null"`
	Filename    string     `json:"filename" gorm:"size:255;not null"`
	Metadata    Metadata   `json:"metadata,omitempty" gorm:"type:text"`
	DeviceID    int64      `json:"deviceId" gorm:"index"`
	CommittedAt time.Time  `json:"committedAt"`
}

// TableName 指定表名
func (ActionRecord) TableName() string {
	return "actions"
}

// Action 还原为动作内容
func (r *ActionRecord) Action() Action {
	return Action{Type: r.Type, Filename: r.Filename, Metadata: r.Metadata}
}
