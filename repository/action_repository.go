package repository

import (
	"context"
	"database/sql"

	"pmpsync/model"

	"gorm.io/gorm"
)

// ActionRepository 只追加的动作日志
type ActionRepository interface {
	Append(ctx context.Context, record *model.ActionRecord) error
	// Latest 返回最大 Seq，日志为空时返回 model.NoAction
	Latest(ctx context.Context) (int64, error)
	// Range 返回 [from, to] 闭区间内的记录，按 Seq 升序
	Range(ctx context.Context, from, to int64) ([]*model.ActionRecord, error)
}

type gormActionRepository struct {
	db *gorm.DB
}

// NewGormActionRepository 创建 GORM 动作日志仓库
func NewGormActionRepository(db *gorm.DB) ActionRepository {
	return &gormActionRepository{db: db}
}

func (r *gormActionRepository) Append(ctx context.Context, record *model.ActionRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *gormActionRepository) Latest(ctx context.Context) (int64, error) {
	var latest sql.NullInt64
	err := r.db.WithContext(ctx).Model(&model.ActionRecord{}).
		Select("MAX(seq)").
		Row().Scan(&latest)
	if err != nil {
		return model.NoAction, err
	}
	if !latest.Valid {
		return model.NoAction, nil
	}
	return latest.Int64, nil
}

func (r *gormActionRepository) Range(ctx context.Context, from, to int64) ([]*model.ActionRecord, error) {
	var records []*model.ActionRecord
	err := r.db.WithContext(ctx).
		Where("seq >= ? AND seq <= ?", from, to).
		Order("seq ASC").
		Find(&records).Error
	return records, err
}
