package repository

import (
	"context"
	"errors"

	"qrpay/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrMerchantNotFound = errors.New("商户不存在")

// MerchantRepository 商户只读查询，Create 仅供初始化数据和测试使用
type MerchantRepository struct {
	db *gorm.DB
}

func NewMerchantRepository(db *gorm.DB) *MerchantRepository {
	return &MerchantRepository{db: db}
}

func (r *MerchantRepository) Create(ctx context.Context, merchant *model.Merchant) error {
	return r.db.WithContext(ctx).Create(merchant).Error
}

func (r *MerchantRepository) GetByQRCode(ctx context.Context, code string) (*model.Merchant, error) {
	return r.first(r.db.WithContext(ctx).Where("qr_code_data = ?", code))
}

func (r *MerchantRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Merchant, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *MerchantRepository) first(query *gorm.DB) (*model.Merchant, error) {
	var merchant model.Merchant
	if err := query.First(&merchant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMerchantNotFound
		}
		return nil, err
	}
	return &merchant, nil
}
