package repository

import (
	"context"
	"errors"
	"time"

	"qrpay/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSessionNotFound      = errors.New("支付会话不存在")
	ErrSessionStatusInvalid = errors.New("支付会话状态不合法")
)

var executableStatuses = []model.SessionStatus{
	model.SessionStatusInitiated,
	model.SessionStatusPending,
}

// SessionRepository 支付会话的持久化
//
// 所有写操作都带状态条件，并发下只有一个请求能把会话推进到终态。
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create 插入新会话。(user_id, idempotency_key) 冲突时返回数据库的唯一约束错误，
// 由调用方用 database.IsUniqueViolation 判断。
func (r *SessionRepository) Create(ctx context.Context, tx *gorm.DB, session *model.PaymentSession) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(session).Error
}

func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.PaymentSession, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

// GetByIDAndUser 只返回属于该用户的会话
func (r *SessionRepository) GetByIDAndUser(ctx context.Context, id, userID uuid.UUID) (*model.PaymentSession, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID))
}

func (r *SessionRepository) GetByUserAndIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*model.PaymentSession, error) {
	return r.first(r.db.WithContext(ctx).Where("user_id = ? AND idempotency_key = ?", userID, key))
}

// GetForUpdate 事务内加行锁读取会话，会话不属于该用户时按不存在处理
func (r *SessionRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, id, userID uuid.UUID) (*model.PaymentSession, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", id, userID))
}

func (r *SessionRepository) first(query *gorm.DB) (*model.PaymentSession, error) {
	var session model.PaymentSession
	if err := query.First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// MarkSuccess 把可执行的会话推进到 success，同时写入结算单号并清空错误信息
func (r *SessionRepository) MarkSuccess(ctx context.Context, tx *gorm.DB, id uuid.UUID, settlementRef string) error {
	return r.transition(ctx, tx, id, model.SessionStatusSuccess, map[string]interface{}{
		"settlement_ref": settlementRef,
		"error_message":  nil,
	})
}

// MarkFailed 把可执行的会话推进到 failed 并记录原因
func (r *SessionRepository) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) error {
	return r.transition(ctx, tx, id, model.SessionStatusFailed, map[string]interface{}{
		"error_message": reason,
	})
}

func (r *SessionRepository) transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, to model.SessionStatus, updates map[string]interface{}) error {
	if tx == nil {
		tx = r.db
	}
	updates["status"] = to

	result := tx.WithContext(ctx).
		Model(&model.PaymentSession{}).
		Where("id = ? AND status IN ?", id, executableStatuses).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionStatusInvalid
	}
	return nil
}

// ListSuccessWithoutLedger 查找 since 之后成功、但没有对应扣款流水的会话
func (r *SessionRepository) ListSuccessWithoutLedger(ctx context.Context, since time.Time, limit int) ([]*model.PaymentSession, error) {
	var sessions []*model.PaymentSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at >= ?", model.SessionStatusSuccess, since).
		Where("NOT EXISTS (SELECT 1 FROM ledger_entry l WHERE l.session_id = payment_session.id AND l.type = ?)", model.LedgerTypePay).
		Order("updated_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *SessionRepository) ListByUserID(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.PaymentSession, int64, error) {
	var sessions []*model.PaymentSession
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PaymentSession{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&sessions).Error
	return sessions, total, err
}
