package job

import (
	"context"
	"time"

	"qrpay/internal/config"
	"qrpay/internal/model"
	"qrpay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerAuditJob 对账任务
//
// 成功的会话必须恰好有一条 PAY 流水。会话状态和扣款在同一个事务里提交，
// 正常情况下不会出现缺流水的会话；一旦出现就记错误日志并暴露到监控，交给人工处理。
// 任务只读，不修改任何会话或账户。
type LedgerAuditJob struct {
	sessionRepo *repository.SessionRepository
	locker      Locker
	logger      *zap.Logger
	stopCh      chan struct{}
	interval    time.Duration
	lookback    time.Duration
	batchSize   int
	now         func() time.Time
}

func NewLedgerAuditJob(db *gorm.DB, locker Locker, cfg *config.Config, logger *zap.Logger) *LedgerAuditJob {
	return &LedgerAuditJob{
		sessionRepo: repository.NewSessionRepository(db),
		locker:      locker,
		logger:      logger.Named("LedgerAuditJob"),
		stopCh:      make(chan struct{}),
		interval:    time.Duration(cfg.Jobs.AuditIntervalSeconds) * time.Second,
		lookback:    time.Duration(cfg.Jobs.AuditLookbackMinutes) * time.Minute,
		batchSize:   200,
		now:         time.Now,
	}
}

func (j *LedgerAuditJob) Start(ctx context.Context) {
	j.logger.Info("对账任务启动", zap.Duration("interval", j.interval), zap.Duration("lookback", j.lookback))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			if _, err := withLock(ctx, j.locker, func() { j.audit(ctx) }); err != nil {
				j.logger.Warn("获取任务锁失败", zap.Error(err))
			}
		}
	}
}

func (j *LedgerAuditJob) Stop() {
	close(j.stopCh)
}

// audit 返回本轮发现的异常会话
func (j *LedgerAuditJob) audit(ctx context.Context) []*model.PaymentSession {
	since := j.now().UTC().Add(-j.lookback)
	sessions, err := j.sessionRepo.ListSuccessWithoutLedger(ctx, since, j.batchSize)
	if err != nil {
		j.logger.Error("查询对账数据失败", zap.Error(err))
		return nil
	}

	ledgerAuditMismatches.Set(float64(len(sessions)))
	for _, s := range sessions {
		j.logger.Error("成功的支付会话缺少扣款流水",
			zap.String("session_id", s.ID.String()),
			zap.String("user_id", s.UserID.String()),
			zap.String("amount", s.Amount.StringFixed(2)))
	}
	return sessions
}
