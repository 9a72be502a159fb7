package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	LedgerTypeRecharge = "RECHARGE" // 充值
	LedgerTypePay      = "PAY"      // 扫码支付（扣款）
)

// LedgerEntry 账户流水表
// 记录账户的每一笔资金变动，是对账的核心依据
//
// 1. 只追加，不修改，不删除
// 2. 和余额变更在同一个事务里写入
// 3. 记录变动前后余额，便于校验余额一致性
type LedgerEntry struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo       string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"`
	UserID        uuid.UUID       `gorm:"type:char(36);index;not null" json:"user_id"`
	SessionID     *uuid.UUID      `gorm:"type:char(36);index" json:"session_id,omitempty"` // 充值流水没有关联会话
	Amount        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`       // 正数入账，负数出账
	Type          string          `gorm:"type:varchar(20);not null" json:"type"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	Remark        string          `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}
