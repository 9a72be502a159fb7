package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SessionStatus 支付会话状态
type SessionStatus string

const (
	SessionStatusInitiated SessionStatus = "initiated"
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusSuccess   SessionStatus = "success"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusRefunded  SessionStatus = "refunded"
)

// ValidStatusTransitions 合法的状态流转
//
// success 之后只允许进入 refunded，退款流程不在本服务内实现。
var ValidStatusTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusInitiated: {SessionStatusPending, SessionStatusSuccess, SessionStatusFailed},
	SessionStatusPending:   {SessionStatusSuccess, SessionStatusFailed},
	SessionStatusSuccess:   {SessionStatusRefunded},
}

func CanTransitionTo(current, target SessionStatus) bool {
	allowed, exists := ValidStatusTransitions[current]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// IsExecutable 只有 initiated 和 pending 状态的会话可以执行扣款
func (s SessionStatus) IsExecutable() bool {
	return s == SessionStatusInitiated || s == SessionStatusPending
}

// PaymentSession 支付会话表
//
// (user_id, idempotency_key) 的唯一索引是判断幂等键是否已被使用的唯一依据，
// 缓存只用来加速重复请求。会话记录只追加，不删除。
type PaymentSession struct {
	ID             uuid.UUID       `gorm:"type:char(36);primaryKey" json:"id"`
	UserID         uuid.UUID       `gorm:"type:char(36);not null;uniqueIndex:uk_session_user_idem,priority:1" json:"user_id"`
	MerchantID     uuid.UUID       `gorm:"type:char(36);not null;index" json:"merchant_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Status         SessionStatus   `gorm:"type:varchar(20);index;not null" json:"status"`
	IdempotencyKey string          `gorm:"type:varchar(64);not null;uniqueIndex:uk_session_user_idem,priority:2" json:"idempotency_key"`
	SettlementRef  *string         `gorm:"type:varchar(64)" json:"settlement_ref,omitempty"`
	ErrorMessage   *string         `gorm:"type:varchar(256)" json:"error_message,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (PaymentSession) TableName() string {
	return "payment_session"
}

func (s *PaymentSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// ExpiredAt 会话的业务有效期截止时间
func (s *PaymentSession) ExpiredAt(ttl time.Duration) time.Time {
	return s.CreatedAt.Add(ttl)
}
