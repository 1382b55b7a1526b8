package repository

import (
	"context"

	"pmpsync/model"

	"gorm.io/gorm"
)

// FilterRepository 共享筛选条件
type FilterRepository interface {
	// Create 已存在同名 key 时返回已有记录
	Create(ctx context.Context, key string) (*model.Filter, error)
	List(ctx context.Context) ([]*model.Filter, error)
}

type gormFilterRepository struct {
	db *gorm.DB
}

// NewGormFilterRepository 创建 GORM 筛选条件仓库
func NewGormFilterRepository(db *gorm.DB) FilterRepository {
	return &gormFilterRepository{db: db}
}

func (r *gormFilterRepository) Create(ctx context.Context, key string) (*model.Filter, error) {
	var filter model.Filter
	err := r.db.WithContext(ctx).
		Where(model.Filter{Key: key}).
		FirstOrCreate(&filter).Error
	if err != nil {
		return nil, err
	}
	return &filter, nil
}

func (r *gormFilterRepository) List(ctx context.Context) ([]*model.Filter, error) {
	var filters []*model.Filter
	err := r.db.WithContext(ctx).Order("id ASC").Find(&filters).Error
	return filters, err
}
