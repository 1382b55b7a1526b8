package model

import "time"

// QueueName 客户端持久化队列
type QueueName string

const (
	QueueIncoming QueueName = "incoming" // 待本地应用
	QueueOutgoing QueueName = "outgoing" // 待发送到服务端
)

// QueueEntry 双端队列中的一项，按 Position 升序出队
type QueueEntry struct {
	ID       uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	Queue    QueueName  `json:"queue" gorm:"size:10;index:idx_queue_pos,priority:1;not null"`
	Position int64      `json:"position" gorm:"index:idx_queue_pos,priority:2;not null"`
	Type     ActionType `json:"type" gorm:"size:20;not null"`
	Filename string     `json:"filename" gorm:"size:255;not null"`
	Metadata Metadata   `json:"metadata,omitempty" gorm:"type:text"`
	// ActionID 对应服务端动作 id；由对账隐式产生的项为 NoAction
	ActionID  int64     `json:"actionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (QueueEntry) TableName() string {
	return "queue_entries"
}

// Action 还原为动作内容
func (e *QueueEntry) Action() Action {
	return Action{Type: e.Type, Filename: e.Filename, Metadata: e.Metadata}
}

// ClientState 客户端本地状态（单行）
type ClientState struct {
	ID              uint   `gorm:"primaryKey"`
	DeviceID        int64  `gorm:"not null;default:0"`
	Token           string `gorm:"type:text"`
	ReceivedThrough int64  `gorm:"not null;default:-1"` // 已接收的最大连续动作 id
	UpdatedAt       time.Time
}

// TableName 指定表名
func (ClientState) TableName() string {
	return "client_state"
}

// ClientStateID 唯一一行的主键
const ClientStateID uint = 1
