package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qrpay/internal/config"
	"qrpay/internal/infrastructure/cache"
	"qrpay/internal/infrastructure/database"
	"qrpay/internal/model"
	"qrpay/internal/repository"
	"qrpay/pkg/auth"
	"qrpay/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MessagePaymentSuccessful = "payment successful"
	MessageAlreadyProcessed  = "transaction already processed"
	MessageSessionExpired    = "payment session expired"

	maxIdempotencyKeyLength = 64
)

// ============================================================================
// 扫码支付引擎
// ============================================================================
//
// 发起（Initiate）：
//   幂等缓存 -> 解析商户 -> 插入 initiated 会话
//   (user_id, idempotency_key) 唯一索引冲突时回查已有会话，
//   并发的重复请求最终拿到同一个会话ID。缓存只是加速，不参与判断。
//
// 执行（Execute）：单个数据库事务
//   1. FOR UPDATE 锁会话行（会话不属于当前用户按不存在处理）
//   2. 已是终态：直接返回原结果，不会重复扣款
//   3. 已过期：置为 failed 并提交
//   4. FOR UPDATE 锁账户行，校验支付密码
//   5. 校验余额 -> 会话置 success -> 扣款 -> 记流水 -> 写本地消息表
//   6. 提交后尽力删除幂等缓存
//
// 加锁顺序固定为先会话后账户，同一用户的不同会话在账户行上串行。
//
// ============================================================================

type PaymentService struct {
	db          *gorm.DB
	cache       cache.Cache
	merchants   *MerchantService
	sessionRepo *repository.SessionRepository
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	outboxRepo  *repository.OutboxRepository
	business    config.BusinessConfig
	resultTopic string
	logger      *zap.Logger
	now         func() time.Time
}

func NewPaymentService(db *gorm.DB, c cache.Cache, merchants *MerchantService, cfg *config.Config, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		db:          db,
		cache:       c,
		merchants:   merchants,
		sessionRepo: repository.NewSessionRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		business:    cfg.Business,
		resultTopic: cfg.Kafka.Topic.PaymentResult,
		logger:      logger.Named("PaymentService"),
		now:         time.Now,
	}
}

type InitiateRequest struct {
	QRData         string          `json:"qr_data"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type MerchantSummary struct {
	Name     string  `json:"name"`
	UPIID    string  `json:"upi_id"`
	Category *string `json:"category,omitempty"`
}

// SessionView 发起支付的返回值，也是幂等缓存里存的内容
type SessionView struct {
	SessionID uuid.UUID           `json:"session_id"`
	Merchant  MerchantSummary     `json:"merchant"`
	Amount    decimal.Decimal     `json:"amount"`
	Status    model.SessionStatus `json:"status"`
}

type ExecuteRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Pin       string    `json:"pin"`
}

type ExecutionResult struct {
	TransactionID uuid.UUID           `json:"transaction_id"`
	Status        model.SessionStatus `json:"status"`
	SettlementRef string              `json:"settlement_ref,omitempty"`
	Message       string              `json:"message"`
}

// SessionDetail 会话查询结果
type SessionDetail struct {
	SessionID     uuid.UUID           `json:"session_id"`
	Merchant      MerchantSummary     `json:"merchant"`
	Amount        decimal.Decimal     `json:"amount"`
	Status        model.SessionStatus `json:"status"`
	SettlementRef *string             `json:"settlement_ref,omitempty"`
	ErrorMessage  *string             `json:"error_message,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func summarize(m *model.Merchant) MerchantSummary {
	return MerchantSummary{Name: m.Name, UPIID: m.UPIID, Category: m.Category}
}

// ValidateAmount 金额必须为正，最多两位小数
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return InvalidArgument("amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return InvalidArgument("amount supports at most 2 decimal places")
	}
	return nil
}

func validateInitiate(req *InitiateRequest) error {
	if err := ValidateAmount(req.Amount); err != nil {
		return err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return InvalidArgument("idempotency key is required")
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return InvalidArgument(fmt.Sprintf("idempotency key must be at most %d characters", maxIdempotencyKeyLength))
	}
	if strings.TrimSpace(req.QRData) == "" {
		return InvalidArgument("qr data is required")
	}
	return nil
}

// Initiate 发起支付，同一用户同一幂等键多次调用返回同一个会话
func (s *PaymentService) Initiate(ctx context.Context, userID uuid.UUID, req *InitiateRequest) (*SessionView, error) {
	if err := validateInitiate(req); err != nil {
		paymentOutcomes.WithLabelValues("initiate", "invalid").Inc()
		return nil, err
	}

	cacheKey := cache.PaymentIdempotencyKey(userID.String(), req.IdempotencyKey)

	var cached SessionView
	hit, err := s.cache.Get(ctx, cacheKey, &cached)
	switch {
	case err != nil:
		cacheLookups.WithLabelValues("idempotency", "error").Inc()
		s.logger.Warn("读取幂等缓存失败，按未命中处理", zap.String("key", cacheKey), zap.Error(err))
	case hit:
		cacheLookups.WithLabelValues("idempotency", "hit").Inc()
		paymentOutcomes.WithLabelValues("initiate", "replayed").Inc()
		return &cached, nil
	default:
		cacheLookups.WithLabelValues("idempotency", "miss").Inc()
	}

	merchant, err := s.merchants.ResolveByQR(ctx, req.QRData)
	if err != nil {
		paymentOutcomes.WithLabelValues("initiate", "merchant_error").Inc()
		return nil, err
	}

	session := &model.PaymentSession{
		UserID:         userID,
		MerchantID:     merchant.ID,
		Amount:         req.Amount,
		Status:         model.SessionStatusInitiated,
		IdempotencyKey: req.IdempotencyKey,
	}

	outcome := "created"
	if err := s.sessionRepo.Create(ctx, nil, session); err != nil {
		if !database.IsUniqueViolation(err) {
			paymentOutcomes.WithLabelValues("initiate", "error").Inc()
			return nil, Internal("failed to create payment session", err)
		}

		// 幂等键已被使用：以数据库里已有的会话为准
		existing, ferr := s.sessionRepo.GetByUserAndIdempotencyKey(ctx, userID, req.IdempotencyKey)
		if ferr != nil {
			paymentOutcomes.WithLabelValues("initiate", "error").Inc()
			if errors.Is(ferr, repository.ErrSessionNotFound) {
				return nil, Conflict("idempotency key conflict, please retry", ferr)
			}
			return nil, Internal("failed to recover payment session", ferr)
		}
		session = existing
		outcome = "recovered"

		if existing.MerchantID != merchant.ID {
			s.logger.Warn("幂等键已用于其他商户，返回已有会话",
				zap.String("session_id", existing.ID.String()),
				zap.String("idempotency_key", req.IdempotencyKey))
			if merchant, err = s.merchants.GetByID(ctx, existing.MerchantID); err != nil {
				return nil, err
			}
		}
	}

	view := &SessionView{
		SessionID: session.ID,
		Merchant:  summarize(merchant),
		Amount:    session.Amount,
		Status:    session.Status,
	}

	if err := s.cache.Set(ctx, cacheKey, view, s.business.IdempotencyTTL()); err != nil {
		cacheWriteFailures.WithLabelValues("idempotency", "set").Inc()
		s.logger.Warn("写入幂等缓存失败", zap.String("key", cacheKey), zap.Error(err))
	}

	paymentOutcomes.WithLabelValues("initiate", outcome).Inc()
	s.logger.Info("支付会话已发起",
		zap.String("session_id", session.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("amount", session.Amount.StringFixed(2)),
		zap.String("outcome", outcome))
	return view, nil
}

// Execute 执行扣款，同一会话无论调用多少次最多扣一次
func (s *PaymentService) Execute(ctx context.Context, userID uuid.UUID, req *ExecuteRequest) (*ExecutionResult, error) {
	if req.SessionID == uuid.Nil {
		return nil, InvalidArgument("session id is required")
	}
	if req.Pin == "" {
		return nil, InvalidArgument("pin is required")
	}

	start := time.Now()
	defer func() {
		executeLatency.Observe(time.Since(start).Seconds())
	}()

	var (
		result  *ExecutionResult
		touched *model.PaymentSession // 提交后需要清理幂等缓存的会话
		expired bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.sessionRepo.GetForUpdate(ctx, tx, req.SessionID, userID)
		if err != nil {
			return classifyStoreError(err, "payment session not found")
		}

		if !session.Status.IsExecutable() {
			result = &ExecutionResult{
				TransactionID: session.ID,
				Status:        session.Status,
				Message:       MessageAlreadyProcessed,
			}
			if session.SettlementRef != nil {
				result.SettlementRef = *session.SettlementRef
			}
			return nil
		}

		if session.Status == model.SessionStatusInitiated &&
			s.now().After(session.ExpiredAt(s.business.SessionTTL())) {
			if err := s.sessionRepo.MarkFailed(ctx, tx, session.ID, MessageSessionExpired); err != nil {
				return Internal("failed to expire payment session", err)
			}
			touched, expired = session, true
			return nil
		}

		account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return classifyStoreError(err, "account not found")
		}

		ok, err := auth.VerifySecret(account.PinHash, req.Pin)
		if err != nil {
			return Internal("failed to verify pin", err)
		}
		if !ok {
			return Unauthorized("invalid pin")
		}

		if account.Balance.LessThan(session.Amount) {
			return InvalidArgument("insufficient balance")
		}

		settlementRef := idgen.GenerateSettlementRef()
		if err := s.sessionRepo.MarkSuccess(ctx, tx, session.ID, settlementRef); err != nil {
			return Internal("failed to settle payment session", err)
		}

		balanceBefore := account.Balance
		if err := s.accountRepo.Debit(ctx, tx, account, session.Amount); err != nil {
			return Internal("failed to debit account", err)
		}

		entry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			UserID:        userID,
			SessionID:     &session.ID,
			Amount:        session.Amount.Neg(),
			Type:          model.LedgerTypePay,
			BalanceBefore: balanceBefore,
			BalanceAfter:  account.Balance,
			Remark:        fmt.Sprintf("扫码支付-%s", session.MerchantID),
		}
		if err := s.ledgerRepo.Create(ctx, tx, entry); err != nil {
			return Internal("failed to record ledger entry", err)
		}

		payload, err := json.Marshal(model.PaymentResultEvent{
			SessionID:     session.ID,
			UserID:        userID,
			MerchantID:    session.MerchantID,
			Amount:        session.Amount,
			Status:        model.SessionStatusSuccess,
			SettlementRef: settlementRef,
			PaidAt:        s.now().UTC(),
		})
		if err != nil {
			return Internal("failed to encode payment event", err)
		}
		if err := s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
			MessageKey: session.ID.String(),
			Topic:      s.resultTopic,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		}); err != nil {
			return Internal("failed to write outbox message", err)
		}

		result = &ExecutionResult{
			TransactionID: session.ID,
			Status:        model.SessionStatusSuccess,
			SettlementRef: settlementRef,
			Message:       MessagePaymentSuccessful,
		}
		touched = session
		return nil
	})

	if err != nil {
		var se *Error
		if !errors.As(err, &se) {
			// 提交失败、超时等事务层面的错误
			se = Internal("payment execution failed", err)
		}
		paymentOutcomes.WithLabelValues("execute", strings.ToLower(se.Kind.String())).Inc()
		if se.Kind == KindInternal {
			s.logger.Error("执行支付失败", zap.String("session_id", req.SessionID.String()), zap.Error(err))
		}
		return nil, se
	}

	if touched != nil {
		s.evictIdempotency(ctx, touched)
	}

	if expired {
		paymentOutcomes.WithLabelValues("execute", "expired").Inc()
		return nil, InvalidArgument(MessageSessionExpired)
	}

	if result.Message == MessageAlreadyProcessed {
		paymentOutcomes.WithLabelValues("execute", "replayed").Inc()
	} else {
		paymentOutcomes.WithLabelValues("execute", "success").Inc()
		s.logger.Info("支付成功",
			zap.String("session_id", result.TransactionID.String()),
			zap.String("user_id", userID.String()),
			zap.String("settlement_ref", result.SettlementRef))
	}
	return result, nil
}

// evictIdempotency 提交后删除幂等缓存，失败只记日志，缓存会自然过期
func (s *PaymentService) evictIdempotency(ctx context.Context, session *model.PaymentSession) {
	key := cache.PaymentIdempotencyKey(session.UserID.String(), session.IdempotencyKey)
	if err := s.cache.Delete(ctx, key); err != nil {
		cacheWriteFailures.WithLabelValues("idempotency", "delete").Inc()
		s.logger.Warn("删除幂等缓存失败", zap.String("key", key), zap.Error(err))
	}
}

// GetSession 查询会话当前状态
func (s *PaymentService) GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*SessionDetail, error) {
	session, err := s.sessionRepo.GetByIDAndUser(ctx, sessionID, userID)
	if err != nil {
		return nil, classifyStoreError(err, "payment session not found")
	}

	merchant, err := s.merchants.GetByID(ctx, session.MerchantID)
	if err != nil {
		return nil, err
	}
	return newSessionDetail(session, merchant), nil
}

func newSessionDetail(session *model.PaymentSession, merchant *model.Merchant) *SessionDetail {
	return &SessionDetail{
		SessionID:     session.ID,
		Merchant:      summarize(merchant),
		Amount:        session.Amount,
		Status:        session.Status,
		SettlementRef: session.SettlementRef,
		ErrorMessage:  session.ErrorMessage,
		CreatedAt:     session.CreatedAt,
		UpdatedAt:     session.UpdatedAt,
	}
}

// ListSessions 分页列出用户的支付会话，按创建时间倒序
func (s *PaymentService) ListSessions(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*SessionDetail, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	sessions, total, err := s.sessionRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, Internal("failed to list payment sessions", err)
	}

	details := make([]*SessionDetail, 0, len(sessions))
	for _, session := range sessions {
		merchant, err := s.merchants.GetByID(ctx, session.MerchantID)
		if err != nil {
			return nil, 0, err
		}
		details = append(details, newSessionDetail(session, merchant))
	}
	return details, total, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
