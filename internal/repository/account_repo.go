package repository

import (
	"context"
	"errors"

	"qrpay/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrBalanceNotEnough = errors.New("余额不足")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*model.Account, error) {
	return r.first(r.db.WithContext(ctx).Where("user_id = ?", userID))
}

func (r *AccountRepository) GetByPhone(ctx context.Context, phone string) (*model.Account, error) {
	return r.first(r.db.WithContext(ctx).Where("phone_number = ?", phone))
}

// GetByUserIDForUpdate 在事务里对账户行加排他锁，必须传入事务句柄
func (r *AccountRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (*model.Account, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID))
}

func (r *AccountRepository) first(query *gorm.DB) (*model.Account, error) {
	var account model.Account
	if err := query.First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Debit 扣减余额
//
// account 必须是同一事务里 FOR UPDATE 读出来的行。新余额在内存里算好后按版本号写回，
// 写回成功后 account 上的余额和版本号同步更新。
func (r *AccountRepository) Debit(ctx context.Context, tx *gorm.DB, account *model.Account, amount decimal.Decimal) error {
	if account.Balance.LessThan(amount) {
		return ErrBalanceNotEnough
	}
	return r.applyDelta(ctx, tx, account, amount.Neg())
}

// Credit 增加余额，规则同 Debit
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, account *model.Account, amount decimal.Decimal) error {
	return r.applyDelta(ctx, tx, account, amount)
}

func (r *AccountRepository) applyDelta(ctx context.Context, tx *gorm.DB, account *model.Account, delta decimal.Decimal) error {
	newBalance := account.Balance.Add(delta)
	if newBalance.IsNegative() {
		return ErrBalanceNotEnough
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(map[string]interface{}{
			"balance": newBalance,
			"version": account.Version + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	account.Balance = newBalance
	account.Version++
	return nil
}
