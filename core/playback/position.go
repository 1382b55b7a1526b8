// Package playback 全局播放状态：位置换算、服务端所有者槽与客户端镜像
package playback

import (
	"time"

	"pmpsync/core/protocol"
	"pmpsync/model"
)

// ToEpoch 把绝对位置换算成 epoch：now - epoch == position
func ToEpoch(position int64, now time.Time) int64 {
	return now.UnixMilli() - position
}

// ToAbsolute 用本地时钟从 epoch 推出当前位置，不小于 0
func ToAbsolute(epoch int64, now time.Time) int64 {
	pos := now.UnixMilli() - epoch
	if pos < 0 {
		return 0
	}
	return pos
}

// State 播放状态；Playing 为 true 时 Position 是 epoch，否则是绝对毫秒
type State struct {
	Track         string
	Playing       bool
	Position      int64
	Shuffle       model.ShuffleMode
	Repeat        model.RepeatMode
	FilterOptions model.FilterOptions
}

// DefaultState 暂停、无曲目
func DefaultState() State {
	return State{Shuffle: model.ShuffleOff, Repeat: model.RepeatNone}
}

// FromSnapshot 从持久化快照恢复
func FromSnapshot(s model.PlaybackSnapshot) State {
	st := State{
		Track:         s.Track,
		Playing:       s.Playing,
		Position:      s.Position,
		Shuffle:       s.Shuffle,
		Repeat:        s.Repeat,
		FilterOptions: s.FilterOptions,
	}
	if st.Shuffle == "" {
		st.Shuffle = model.ShuffleOff
	}
	if st.Repeat == "" {
		st.Repeat = model.RepeatNone
	}
	return st
}

// Snapshot 转成持久化快照
func (s State) Snapshot() model.PlaybackSnapshot {
	return model.PlaybackSnapshot{
		ID:            model.PlaybackSnapshotID,
		Track:         s.Track,
		Playing:       s.Playing,
		Position:      s.Position,
		Shuffle:       s.Shuffle,
		Repeat:        s.Repeat,
		FilterOptions: s.FilterOptions,
	}
}

// PositionAt 当前绝对位置
func (s State) PositionAt(now time.Time) int64 {
	if s.Playing {
		return ToAbsolute(s.Position, now)
	}
	return s.Position
}

// Fields 完整状态的 update 形式
func (s State) Fields() protocol.PlaybackFields {
	track, playing, pos := s.Track, s.Playing, s.Position
	shuffle, repeat := s.Shuffle, s.Repeat
	return protocol.PlaybackFields{
		Track:         &track,
		Playing:       &playing,
		Position:      &pos,
		Shuffle:       &shuffle,
		Repeat:        &repeat,
		FilterOptions: s.FilterOptions,
	}
}

// ApplyUpdate 合并 update 增量，Position 按合并后的 Playing 解释
// 只切换 Playing 而不带 Position 时，用本地时钟在两种表示间换算
func (s *State) ApplyUpdate(f protocol.PlaybackFields, now time.Time) {
	if f.Track != nil {
		s.Track = *f.Track
	}
	if f.Shuffle != nil {
		s.Shuffle = *f.Shuffle
	}
	if f.Repeat != nil {
		s.Repeat = *f.Repeat
	}
	if len(f.FilterOptions) > 0 {
		s.FilterOptions = s.FilterOptions.Apply(f.FilterOptions)
	}

	switch {
	case f.Playing != nil && *f.Playing != s.Playing && f.Position == nil:
		pos := s.PositionAt(now)
		s.Playing = *f.Playing
		s.setAbsolute(pos, now)
	case f.Playing != nil:
		s.Playing = *f.Playing
		if f.Position != nil {
			s.Position = *f.Position
		}
	case f.Position != nil:
		s.Position = *f.Position
	}
}

func (s *State) setAbsolute(pos int64, now time.Time) {
	if s.Playing {
		s.Position = ToEpoch(pos, now)
	} else {
		s.Position = pos
	}
}

// ApplyControl 执行一条命令（Position 为绝对跳转目标），返回需要广播的 update 增量
func (s *State) ApplyControl(f protocol.PlaybackFields, now time.Time) protocol.PlaybackFields {
	var delta protocol.PlaybackFields

	pos := s.PositionAt(now)
	moved := false
	if f.Track != nil && *f.Track != s.Track {
		track := *f.Track
		delta.Track = &track
		pos, moved = 0, true
	}
	if f.Position != nil {
		pos, moved = *f.Position, true
	}
	playing := s.Playing
	if f.Playing != nil && *f.Playing != s.Playing {
		playing = *f.Playing
		delta.Playing = &playing
		moved = true
	}
	if moved {
		wire := pos
		if playing {
			wire = ToEpoch(pos, now)
		}
		delta.Position = &wire
		if delta.Playing == nil {
			p := playing
			delta.Playing = &p
		}
	}
	if f.Shuffle != nil && *f.Shuffle != s.Shuffle {
		shuffle := *f.Shuffle
		delta.Shuffle = &shuffle
	}
	if f.Repeat != nil && *f.Repeat != s.Repeat {
		repeat := *f.Repeat
		delta.Repeat = &repeat
	}
	if len(f.FilterOptions) > 0 {
		delta.FilterOptions = append(model.FilterOptions(nil), f.FilterOptions...)
	}

	s.ApplyUpdate(delta, now)
	return delta
}

// Freeze 停止推进：播放中把 epoch 换算成此刻的绝对位置
// 返回的增量总是带 Playing=false 与绝对 Position
func (s *State) Freeze(now time.Time) protocol.PlaybackFields {
	pos := s.PositionAt(now)
	s.Playing = false
	s.Position = pos
	playing := false
	return protocol.PlaybackFields{Playing: &playing, Position: &pos}
}
