package model

import "time"

// Device 已登记的设备，ID 由服务端单调分配
type Device struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name       string    `json:"name" gorm:"size:100;not null"`
	TokenID    string    `json:"-" gorm:"size:36;index"` // 当前会话令牌的 jti，每次登录轮换
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// TableName 指定表名
func (Device) TableName() string {
	return "devices"
}

// NoDevice 表示"没有设备"，用于新设备登录和无主播放状态
const NoDevice int64 = 0
