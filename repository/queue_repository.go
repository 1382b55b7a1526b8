package repository

import (
	"context"
	"database/sql"

	"pmpsync/model"

	"gorm.io/gorm"
)

// QueueRepository 客户端持久化双端队列的存储
type QueueRepository interface {
	// Insert 写入 entry，调用方负责分配 Position
	Insert(ctx context.Context, entry *model.QueueEntry) error
	// Bounds 返回队列当前最小与最大 Position；队列为空时 ok 为 false
	Bounds(ctx context.Context, queue model.QueueName) (min, max int64, ok bool, err error)
	List(ctx context.Context, queue model.QueueName) ([]*model.QueueEntry, error)
	Delete(ctx context.Context, ids ...uint) error
}

type gormQueueRepository struct {
	db *gorm.DB
}

// NewGormQueueRepository 创建 GORM 队列仓库
func NewGormQueueRepository(db *gorm.DB) QueueRepository {
	return &gormQueueRepository{db: db}
}

func (r *gormQueueRepository) Insert(ctx context.Context, entry *model.QueueEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormQueueRepository) Bounds(ctx context.Context, queue model.QueueName) (int64, int64, bool, error) {
	var lo, hi sql.NullInt64
	err := r.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Select("MIN(position), MAX(position)").
		Where("queue = ?", queue).
		Row().Scan(&lo, &hi)
	if err != nil {
		return 0, 0, false, err
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, false, nil
	}
	return lo.Int64, hi.Int64, true, nil
}

// List 按出队顺序返回
func (r *gormQueueRepository) List(ctx context.Context, queue model.QueueName) ([]*model.QueueEntry, error) {
	var entries []*model.QueueEntry
	err := r.db.WithContext(ctx).
		Where("queue = ?", queue).
		Order("position ASC").
		Find(&entries).Error
	return entries, err
}

func (r *gormQueueRepository) Delete(ctx context.Context, ids ...uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Delete(&model.QueueEntry{}, ids).Error
}
