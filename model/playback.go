package model

import "time"

// ShuffleMode 随机播放模式
type ShuffleMode string

const (
	ShuffleOff ShuffleMode = "OFF"
	ShuffleOn  ShuffleMode = "ON"
)

// RepeatMode 循环模式
type RepeatMode string

const (
	RepeatNone  RepeatMode = "NONE"
	RepeatAll   RepeatMode = "ALL"
	RepeatTrack RepeatMode = "TRACK"
)

// PlaybackSnapshot 服务端持久化的全局播放状态（单行）
// Playing 为 true 时 Position 是 epoch（Unix 毫秒），否则是绝对毫秒偏移
type PlaybackSnapshot struct {
	ID            uint          `json:"-" gorm:"primaryKey"`
	Track         string        `json:"track" gorm:"size:255"`
	Playing       bool          `json:"playing"`
	Position      int64         `json:"position"`
	Shuffle       ShuffleMode   `json:"shuffle" gorm:"size:10"`
	Repeat        RepeatMode    `json:"repeat" gorm:"size:10"`
	FilterOptions FilterOptions `json:"filterOptions,omitempty" gorm:"type:text"`
	UpdatedAt     time.Time     `json:"-"`
}

// TableName 指定表名
func (PlaybackSnapshot) TableName() string {
	return "playback_state"
}

// PlaybackSnapshotID 唯一一行的主键
const PlaybackSnapshotID uint = 1
