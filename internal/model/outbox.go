package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 本地消息表
// 和支付结果在同一个事务里写入，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// PaymentResultEvent 支付结果消息体
type PaymentResultEvent struct {
	SessionID     uuid.UUID       `json:"session_id"`
	UserID        uuid.UUID       `json:"user_id"`
	MerchantID    uuid.UUID       `json:"merchant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        SessionStatus   `json:"status"`
	SettlementRef string          `json:"settlement_ref"`
	PaidAt        time.Time       `json:"paid_at"`
}
