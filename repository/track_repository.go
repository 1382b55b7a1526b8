package repository

import (
	"context"

	"pmpsync/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackRepository 文件索引
type TrackRepository interface {
	Upsert(ctx context.Context, track *model.TrackRecord) error
	Delete(ctx context.Context, filename string) error
	Get(ctx context.Context, filename string) (*model.TrackRecord, error)
	List(ctx context.Context) ([]*model.TrackRecord, error)
}

type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository 创建 GORM 文件索引仓库
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

// Upsert 按文件名插入或整体覆盖
func (r *gormTrackRepository) Upsert(ctx context.Context, track *model.TrackRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(track).Error
}

func (r *gormTrackRepository) Delete(ctx context.Context, filename string) error {
	return r.db.WithContext(ctx).Where("filename = ?", filename).Delete(&model.TrackRecord{}).Error
}

// Get 未找到时返回 nil, nil
func (r *gormTrackRepository) Get(ctx context.Context, filename string) (*model.TrackRecord, error) {
	var track model.TrackRecord
	err := r.db.WithContext(ctx).Where("filename = ?", filename).First(&track).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

func (r *gormTrackRepository) List(ctx context.Context) ([]*model.TrackRecord, error) {
	var tracks []*model.TrackRecord
	err := r.db.WithContext(ctx).Order("filename ASC").Find(&tracks).Error
	return tracks, err
}
