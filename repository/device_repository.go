package repository

import (
	"context"
	"time"

	"pmpsync/model"

	"gorm.io/gorm"
)

// DeviceRepository 设备名册
type DeviceRepository interface {
	Create(ctx context.Context, device *model.Device) error
	GetByID(ctx context.Context, id int64) (*model.Device, error)
	UpdateToken(ctx context.Context, id int64, tokenID string) error
	Touch(ctx context.Context, id int64, at time.Time) error
	List(ctx context.Context) ([]*model.Device, error)
}

type gormDeviceRepository struct {
	db *gorm.DB
}

// NewGormDeviceRepository 创建 GORM 设备仓库
func NewGormDeviceRepository(db *gorm.DB) DeviceRepository {
	return &gormDeviceRepository{db: db}
}

// Create 登记新设备，ID 由数据库自增分配
func (r *gormDeviceRepository) Create(ctx context.Context, device *model.Device) error {
	return r.db.WithContext(ctx).Create(device).Error
}

// GetByID 未找到时返回 nil, nil
func (r *gormDeviceRepository) GetByID(ctx context.Context, id int64) (*model.Device, error) {
	var device model.Device
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&device).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// UpdateToken 轮换令牌
func (r *gormDeviceRepository) UpdateToken(ctx context.Context, id int64, tokenID string) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"token_id": tokenID, "last_seen_at": time.Now()}).Error
}

// Touch 更新最后在线时间
func (r *gormDeviceRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", id).
		Update("last_seen_at", at).Error
}

// List 按 ID 升序返回全部设备
func (r *gormDeviceRepository) List(ctx context.Context) ([]*model.Device, error) {
	var devices []*model.Device
	err := r.db.WithContext(ctx).Order("id ASC").Find(&devices).Error
	return devices, err
}
