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

// MessageSender 投递一条消息，*mq.Producer 实现了这个接口
type MessageSender interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 把本地消息表里的支付结果投递到 Kafka
//
// 消息和支付结果在同一个事务里落库，这里只负责至少投递一次，
// 下游按 message key（会话ID）去重。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	sender     MessageSender
	locker     Locker
	logger     *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, sender MessageSender, locker Locker, cfg *config.Config, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		sender:     sender,
		locker:     locker,
		logger:     logger.Named("OutboxSender"),
		stopCh:     make(chan struct{}),
		interval:   time.Duration(cfg.Jobs.OutboxIntervalMillis) * time.Millisecond,
		batchSize:  100,
		maxRetry:   cfg.Business.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			if _, err := withLock(ctx, s.locker, func() { s.processPendingMessages(ctx) }); err != nil {
				s.logger.Warn("获取任务锁失败", zap.Error(err))
			}
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.ListPending(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("查询待投递消息失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.sender.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		outboxMessages.WithLabelValues("sent").Inc()
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			s.logger.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return
		}
		s.logger.Debug("消息发送成功", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))
		return
	}

	giveUp := msg.RetryCount+1 >= s.maxRetry
	if giveUp {
		outboxMessages.WithLabelValues("failed").Inc()
	} else {
		outboxMessages.WithLabelValues("retry").Inc()
	}
	s.logger.Warn("消息发送失败",
		zap.Int64("id", msg.ID),
		zap.Int("retry_count", msg.RetryCount+1),
		zap.Bool("give_up", giveUp),
		zap.Error(err))

	if err := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetry); err != nil {
		s.logger.Error("记录投递失败次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}
}
