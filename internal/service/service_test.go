package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"qrpay/internal/infrastructure/cache"
	"qrpay/internal/model"
	"qrpay/internal/repository"
	"qrpay/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var errCacheDown = errors.New("cache unavailable")

// stubCache 可以让单个操作失败，其余操作转发给 inner
type stubCache struct {
	inner  cache.Cache
	getErr error
	setErr error
	delErr error
}

func (c *stubCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c.getErr != nil {
		return false, c.getErr
	}
	if c.inner == nil {
		return false, nil
	}
	return c.inner.Get(ctx, key, dest)
}

func (c *stubCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	if c.inner == nil {
		return nil
	}
	return c.inner.Set(ctx, key, value, ttl)
}

func (c *stubCache) Delete(ctx context.Context, key string) error {
	if c.delErr != nil {
		return c.delErr
	}
	if c.inner == nil {
		return nil
	}
	return c.inner.Delete(ctx, key)
}

type fixture struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	cache    cache.Cache
	payments *PaymentService
	merchant *model.Merchant
	account  *model.Account
}

const testQR = "upi://pay?pa=chai@upi&pn=Chai"

// newFixture 一个商户，一个余额为 balance 的账户。wrap 不为空时用它包一层缓存。
func newFixture(t *testing.T, balance string, wrap func(cache.Cache) cache.Cache) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t)
	client, mr := testutil.NewTestRedis(t)
	var c cache.Cache = cache.NewRedisCache(client)
	if wrap != nil {
		c = wrap(c)
	}

	cfg := testutil.NewTestConfig()
	logger := zaptest.NewLogger(t)
	merchants := NewMerchantService(repository.NewMerchantRepository(db), c, cfg.Business.MerchantCacheTTL(), logger)

	return &fixture{
		db:       db,
		mr:       mr,
		cache:    c,
		payments: NewPaymentService(db, c, merchants, cfg, logger),
		merchant: testutil.SeedMerchant(t, db, "chai", testQR),
		account:  testutil.SeedAccount(t, db, "9000000001", balance, testutil.DefaultPin),
	}
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}
