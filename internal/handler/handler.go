package handler

import (
	"errors"
	"strconv"

	"qrpay/internal/service"
	"qrpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accounts  *service.AccountService
	merchants *service.MerchantService
	payments  *service.PaymentService
	logger    *zap.Logger
}

func NewHandler(accounts *service.AccountService, merchants *service.MerchantService, payments *service.PaymentService, logger *zap.Logger) *Handler {
	return &Handler{
		accounts:  accounts,
		merchants: merchants,
		payments:  payments,
		logger:    logger.Named("Handler"),
	}
}

// fail 按错误分类输出响应，内部错误只记日志，不把细节返回给客户端
func (h *Handler) fail(c *gin.Context, err error) {
	var message string
	var se *service.Error
	if errors.As(err, &se) {
		message = se.Message
	}

	switch service.KindOf(err) {
	case service.KindInvalidArgument:
		response.ParamError(c, message)
	case service.KindUnauthorized:
		response.Unauthorized(c, message)
	case service.KindNotFound:
		response.NotFound(c, message)
	case service.KindConflict:
		response.Conflict(c, message)
	default:
		h.logger.Error("请求处理失败",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.ServerError(c)
	}
}

func currentUser(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(contextUserID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

// ============================================================
// 认证接口
// ============================================================

// Register 开户
// POST /auth/register
func (h *Handler) Register(c *gin.Context) {
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body")
		return
	}

	result, err := h.accounts.Register(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// Login 登录
// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	var req service.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body")
		return
	}

	result, err := h.accounts.Login(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 账户接口
// ============================================================

// GetBalance 查询余额
// GET /api/v1/account/balance
func (h *Handler) GetBalance(c *gin.Context) {
	view, err := h.accounts.GetBalance(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, view)
}

type RechargeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Recharge 充值（模拟入账，不对接外部渠道）
// POST /api/v1/account/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body")
		return
	}

	view, err := h.accounts.Recharge(c.Request.Context(), currentUser(c), req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, view)
}

// ListLedger 账户流水
// GET /api/v1/account/ledger?page=1&page_size=20
func (h *Handler) ListLedger(c *gin.Context) {
	page, pageSize := pageParams(c)
	entries, total, err := h.accounts.ListLedger(c.Request.Context(), currentUser(c), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": entries, "total": total})
}

// ============================================================
// 商户与支付接口
// ============================================================

type ResolveMerchantRequest struct {
	QRData string `json:"qr_data" binding:"required"`
}

// ResolveMerchant 扫码解析商户
// POST /api/v1/merchant/resolve
func (h *Handler) ResolveMerchant(c *gin.Context) {
	var req ResolveMerchantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "qr_data is required")
		return
	}

	merchant, err := h.merchants.ResolveByQR(c.Request.Context(), req.QRData)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, merchant)
}

// InitiatePayment 发起支付
// POST /api/v1/payment/initiate
//
// 客户端重试时必须带上同一个 idempotency_key，服务端保证返回同一个会话。
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req service.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body")
		return
	}

	view, err := h.payments.Initiate(c.Request.Context(), currentUser(c), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, view)
}

// ExecutePayment 输入支付密码完成扣款
// POST /api/v1/payment/execute
func (h *Handler) ExecutePayment(c *gin.Context) {
	var req service.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body")
		return
	}

	result, err := h.payments.Execute(c.Request.Context(), currentUser(c), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// GetSession 查询支付会话
// GET /api/v1/payment/session?session_id=xxx
func (h *Handler) GetSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Query("session_id"))
	if err != nil {
		response.ParamError(c, "invalid session_id")
		return
	}

	detail, err := h.payments.GetSession(c.Request.Context(), currentUser(c), sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, detail)
}

// ListSessions 支付记录
// GET /api/v1/payment/sessions?page=1&page_size=20
func (h *Handler) ListSessions(c *gin.Context) {
	page, pageSize := pageParams(c)
	sessions, total, err := h.payments.ListSessions(c.Request.Context(), currentUser(c), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": sessions, "total": total})
}
