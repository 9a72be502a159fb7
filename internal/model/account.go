package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Account 用户账户表
// 记录用户的可用余额和支付密码摘要，是整个支付系统的核心数据
type Account struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID      uuid.UUID       `gorm:"type:char(36);uniqueIndex;not null" json:"user_id"`
	PhoneNumber string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"phone_number"`
	Name        string          `gorm:"type:varchar(128);not null" json:"name"`
	UPIID       string          `gorm:"column:upi_id;type:varchar(128);not null" json:"upi_id"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"` // 可用余额，只能被扣款事务减少
	PinHash     string          `gorm:"type:varchar(128);not null" json:"-"`                  // 支付密码摘要，永不对外暴露
	Version     int             `gorm:"not null;default:0" json:"-"`                          // 乐观锁版本号
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.UserID == uuid.Nil {
		a.UserID = uuid.New()
	}
	return nil
}
