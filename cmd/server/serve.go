package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrpay/internal/handler"
	"qrpay/internal/infrastructure/cache"
	"qrpay/internal/infrastructure/database"
	"qrpay/internal/infrastructure/lock"
	"qrpay/internal/infrastructure/mq"
	"qrpay/internal/job"
	"qrpay/internal/repository"
	"qrpay/internal/service"
	"qrpay/pkg/auth"
	"qrpay/pkg/idgen"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd(configPath *string) *cobra.Command {
	var workerID int64

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, workerID)
		},
	}
	cmd.Flags().Int64Var(&workerID, "worker-id", 1, "snowflake worker id, unique per replica (0-1023)")
	return cmd
}

func runServe(configPath string, workerID int64) error {
	cfg, log, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := idgen.Init(workerID); err != nil {
		return err
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	c := cache.NewRedisCache(redisClient)
	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL())
	merchants := service.NewMerchantService(repository.NewMerchantRepository(db), c, cfg.Business.MerchantCacheTTL(), log)
	payments := service.NewPaymentService(db, c, merchants, cfg, log)
	accounts := service.NewAccountService(db, tokens, cfg.Auth.PinHashCost, log)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	owner := replicaID(workerID)

	if cfg.Kafka.Enabled {
		producer, err := mq.NewProducer(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()

		outboxLock := lock.NewJobLock(redisClient, "outbox_sender", owner, 30*time.Second)
		outboxSender := job.NewOutboxSender(db, producer, outboxLock, cfg, log)
		go outboxSender.Start(ctx)
	} else {
		log.Info("Kafka 未启用，支付结果消息保留在本地消息表")
	}

	auditLock := lock.NewJobLock(redisClient, "ledger_audit", owner, 2*time.Minute)
	auditJob := job.NewLedgerAuditJob(db, auditLock, cfg, log)
	go auditJob.Start(ctx)

	router := handler.SetupRouter(
		handler.NewHandler(accounts, merchants, payments, log),
		handler.RouterOptions{Tokens: tokens, Logger: log, RequestTimeout: cfg.Server.RequestTimeout()},
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("服务关闭异常", zap.Error(err))
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("服务已关闭")
	return nil
}

func replicaID(workerID int64) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), workerID)
}
