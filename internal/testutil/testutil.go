// Package testutil 测试用的数据库、Redis 和数据构造
package testutil

import (
	"context"
	"fmt"
	"testing"

	"qrpay/internal/config"
	"qrpay/internal/infrastructure/database"
	"qrpay/internal/model"
	"qrpay/pkg/auth"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const DefaultPin = "1234"

// NewTestDB 每个测试独立的 SQLite 内存库
//
// 只开一个连接，事务之间天然串行；SQLite 会忽略 FOR UPDATE。
// 事务内的代码如果误用了事务外的句柄，测试会卡死，可以借此发现这类问题。
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), database.NewGormConfig("silent"))
	require.NoError(t, err)
	require.NoError(t, database.ConfigurePool(db, 1, 1))
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func NewTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// NewTestConfig 业务参数取默认值
func NewTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, RequestTimeoutSeconds: 5},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{PaymentResult: "qrpay.payment.result"},
		},
		Auth: config.AuthConfig{JWTSecret: "test-secret", TokenTTLHours: 1, PinHashCost: bcrypt.MinCost},
		Business: config.BusinessConfig{
			SessionTTLMinutes:     15,
			IdempotencyTTLMinutes: 10,
			MerchantCacheMinutes:  60,
			MaxRetryCount:         3,
		},
		Jobs: config.JobsConfig{
			OutboxIntervalMillis: 100,
			AuditIntervalSeconds: 1,
			AuditLookbackMinutes: 30,
		},
	}
}

func SeedMerchant(t *testing.T, db *gorm.DB, name, qr string) *model.Merchant {
	t.Helper()
	category := "food"
	m := &model.Merchant{
		Name:       name,
		UPIID:      name + "@upi",
		Category:   &category,
		QRCodeData: qr,
	}
	require.NoError(t, db.WithContext(context.Background()).Create(m).Error)
	return m
}

// SeedAccount 创建账户，支付密码为 pin
func SeedAccount(t *testing.T, db *gorm.DB, phone string, balance string, pin string) *model.Account {
	t.Helper()
	hash, err := auth.HashSecret(pin, bcrypt.MinCost)
	require.NoError(t, err)

	a := &model.Account{
		PhoneNumber: phone,
		Name:        "user-" + phone,
		UPIID:       phone + "@upi",
		Balance:     decimal.RequireFromString(balance),
		PinHash:     hash,
	}
	require.NoError(t, db.Create(a).Error)
	return a
}

func Balance(t *testing.T, db *gorm.DB, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	var a model.Account
	require.NoError(t, db.Where("user_id = ?", userID).First(&a).Error)
	return a.Balance
}

func Session(t *testing.T, db *gorm.DB, id uuid.UUID) *model.PaymentSession {
	t.Helper()
	var s model.PaymentSession
	require.NoError(t, db.Where("id = ?", id).First(&s).Error)
	return &s
}
