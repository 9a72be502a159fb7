package repository

import (
	"context"
	"errors"

	"qrpay/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrLedgerEntryNotFound = errors.New("账户流水不存在")

// LedgerRepository 账户流水，只追加
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// GetPayEntryBySession 会话对应的扣款流水
func (r *LedgerRepository) GetPayEntryBySession(ctx context.Context, sessionID uuid.UUID) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND type = ?", sessionID, model.LedgerTypePay).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("session_id = ?", sessionID).Count(&n).Error
	return n, err
}

func (r *LedgerRepository) ListByUserID(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	return entries, total, err
}
