package service

import (
	"context"
	"errors"
	"strings"

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

type AccountService struct {
	db          *gorm.DB
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	tokens      *auth.TokenIssuer
	pinCost     int
	logger      *zap.Logger
}

func NewAccountService(db *gorm.DB, tokens *auth.TokenIssuer, pinCost int, logger *zap.Logger) *AccountService {
	return &AccountService{
		db:          db,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		tokens:      tokens,
		pinCost:     pinCost,
		logger:      logger.Named("AccountService"),
	}
}

type RegisterRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Name        string `json:"name" binding:"required"`
	UPIID       string `json:"upi_id" binding:"required"`
	Pin         string `json:"pin" binding:"required"`
}

type LoginRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Pin         string `json:"pin" binding:"required"`
}

type AuthResult struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
}

type BalanceView struct {
	UserID  uuid.UUID       `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

func validatePin(pin string) error {
	if len(pin) < 4 || len(pin) > 12 {
		return InvalidArgument("pin must be 4 to 12 digits")
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return InvalidArgument("pin must be 4 to 12 digits")
		}
	}
	return nil
}

// Register 开户，余额从 0 开始
func (s *AccountService) Register(ctx context.Context, req *RegisterRequest) (*AuthResult, error) {
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" || strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.UPIID) == "" {
		return nil, InvalidArgument("phone number, name and upi id are required")
	}
	if err := validatePin(req.Pin); err != nil {
		return nil, err
	}

	hash, err := auth.HashSecret(req.Pin, s.pinCost)
	if err != nil {
		return nil, Internal("failed to hash pin", err)
	}

	account := &model.Account{
		PhoneNumber: req.PhoneNumber,
		Name:        strings.TrimSpace(req.Name),
		UPIID:       strings.TrimSpace(req.UPIID),
		Balance:     decimal.Zero,
		PinHash:     hash,
	}
	if err := s.accountRepo.Create(ctx, nil, account); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, Conflict("phone number already registered", err)
		}
		return nil, Internal("failed to create account", err)
	}

	token, err := s.tokens.Issue(account.UserID, account.PhoneNumber)
	if err != nil {
		return nil, Internal("failed to issue token", err)
	}

	s.logger.Info("账户已创建", zap.String("user_id", account.UserID.String()))
	return &AuthResult{UserID: account.UserID, Token: token}, nil
}

// Login 手机号加支付密码换取令牌
func (s *AccountService) Login(ctx context.Context, req *LoginRequest) (*AuthResult, error) {
	account, err := s.accountRepo.GetByPhone(ctx, strings.TrimSpace(req.PhoneNumber))
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, Unauthorized("invalid credentials")
		}
		return nil, Internal("failed to load account", err)
	}

	ok, err := auth.VerifySecret(account.PinHash, req.Pin)
	if err != nil {
		return nil, Internal("failed to verify pin", err)
	}
	if !ok {
		return nil, Unauthorized("invalid credentials")
	}

	token, err := s.tokens.Issue(account.UserID, account.PhoneNumber)
	if err != nil {
		return nil, Internal("failed to issue token", err)
	}
	return &AuthResult{UserID: account.UserID, Token: token}, nil
}

func (s *AccountService) GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceView, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, classifyStoreError(err, "account not found")
	}
	return &BalanceView{UserID: account.UserID, Balance: account.Balance}, nil
}

// Recharge 充值，余额变更和流水在同一个事务里
func (s *AccountService) Recharge(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*BalanceView, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}

	var view *BalanceView
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return classifyStoreError(err, "account not found")
		}

		before := account.Balance
		if err := s.accountRepo.Credit(ctx, tx, account, amount); err != nil {
			return Internal("failed to credit account", err)
		}

		entry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			UserID:        userID,
			Amount:        amount,
			Type:          model.LedgerTypeRecharge,
			BalanceBefore: before,
			BalanceAfter:  account.Balance,
			Remark:        "充值",
		}
		if err := s.ledgerRepo.Create(ctx, tx, entry); err != nil {
			return Internal("failed to record ledger entry", err)
		}

		view = &BalanceView{UserID: account.UserID, Balance: account.Balance}
		return nil
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, Internal("recharge failed", err)
	}

	s.logger.Info("充值成功", zap.String("user_id", userID.String()), zap.String("amount", amount.StringFixed(2)))
	return view, nil
}

// ListLedger 分页查询账户流水
func (s *AccountService) ListLedger(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	entries, total, err := s.ledgerRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, Internal("failed to list ledger entries", err)
	}
	return entries, total, nil
}
