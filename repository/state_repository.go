package repository

import (
	"context"

	"pmpsync/model"

	"gorm.io/gorm"
)

// StateRepository 客户端本地状态
type StateRepository interface {
	Load(ctx context.Context) (*model.ClientState, error)
	SaveCredentials(ctx context.Context, deviceID int64, token string) error
	SetReceivedThrough(ctx context.Context, actionID int64) error
}

type gormStateRepository struct {
	db *gorm.DB
}

// NewGormStateRepository 创建 GORM 客户端状态仓库
func NewGormStateRepository(db *gorm.DB) StateRepository {
	return &gormStateRepository{db: db}
}

// Load 首次调用时写入默认行
func (r *gormStateRepository) Load(ctx context.Context) (*model.ClientState, error) {
	state := model.ClientState{ID: model.ClientStateID, ReceivedThrough: model.NoAction}
	err := r.db.WithContext(ctx).
		Where(model.ClientState{ID: model.ClientStateID}).
		Attrs(state).
		FirstOrCreate(&state).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *gormStateRepository) SaveCredentials(ctx context.Context, deviceID int64, token string) error {
	return r.upsert(ctx, map[string]interface{}{"device_id": deviceID, "token": token})
}

func (r *gormStateRepository) SetReceivedThrough(ctx context.Context, actionID int64) error {
	return r.upsert(ctx, map[string]interface{}{"received_through": actionID})
}

func (r *gormStateRepository) upsert(ctx context.Context, fields map[string]interface{}) error {
	if _, err := r.Load(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.ClientState{}).
		Where("id = ?", model.ClientStateID).
		Updates(fields).Error
}
