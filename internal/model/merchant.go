package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Merchant 商户表
// 商户数据由外部系统维护，本服务只读，可以放心缓存。
type Merchant struct {
	ID         uuid.UUID `gorm:"type:char(36);primaryKey" json:"id"`
	Name       string    `gorm:"type:varchar(128);not null" json:"name"`
	UPIID      string    `gorm:"column:upi_id;type:varchar(128);not null" json:"upi_id"` // 收款地址
	Category   *string   `gorm:"type:varchar(64)" json:"category,omitempty"`
	Address    *string   `gorm:"type:varchar(256)" json:"address,omitempty"`
	Phone      *string   `gorm:"type:varchar(32)" json:"phone,omitempty"`
	QRCodeData string    `gorm:"type:varchar(512);uniqueIndex;not null" json:"qr_code_data"` // 扫码得到的原始字符串
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Merchant) TableName() string {
	return "merchant"
}

func (m *Merchant) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
