package repository

import (
	"context"

	"pmpsync/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlaybackRepository 全局播放状态快照
type PlaybackRepository interface {
	// Load 不存在时返回默认快照
	Load(ctx context.Context) (*model.PlaybackSnapshot, error)
	Save(ctx context.Context, snapshot *model.PlaybackSnapshot) error
}

type gormPlaybackRepository struct {
	db *gorm.DB
}

// NewGormPlaybackRepository 创建 GORM 播放状态仓库
func NewGormPlaybackRepository(db *gorm.DB) PlaybackRepository {
	return &gormPlaybackRepository{db: db}
}

func (r *gormPlaybackRepository) Load(ctx context.Context) (*model.PlaybackSnapshot, error) {
	var snap model.PlaybackSnapshot
	err := r.db.WithContext(ctx).Where("id = ?", model.PlaybackSnapshotID).First(&snap).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &model.PlaybackSnapshot{
				ID:      model.PlaybackSnapshotID,
				Shuffle: model.ShuffleOff,
				Repeat:  model.RepeatNone,
			}, nil
		}
		return nil, err
	}
	return &snap, nil
}

func (r *gormPlaybackRepository) Save(ctx context.Context, snapshot *model.PlaybackSnapshot) error {
	snapshot.ID = model.PlaybackSnapshotID
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(snapshot).Error
}
