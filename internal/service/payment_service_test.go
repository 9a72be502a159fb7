package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"qrpay/internal/infrastructure/cache"
	"qrpay/internal/model"
	"qrpay/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initiate(t *testing.T, f *fixture, key, amount string) *SessionView {
	t.Helper()
	view, err := f.payments.Initiate(context.Background(), f.account.UserID, &InitiateRequest{
		QRData:         testQR,
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return view
}

func countSessions(t *testing.T, f *fixture) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.PaymentSession{}).Where("user_id = ?", f.account.UserID).Count(&n).Error)
	return n
}

func TestInitiate_SameKeyReturnsSameSession(t *testing.T) {
	f := newFixture(t, "1000", nil)

	first := initiate(t, f, "same-key", "100")
	second := initiate(t, f, "same-key", "100")

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, model.SessionStatusInitiated, first.Status)
	assert.Equal(t, "chai", first.Merchant.Name)
	assert.Equal(t, "chai@upi", first.Merchant.UPIID)
	assert.True(t, first.Amount.Equal(decimal.NewFromInt(100)))
	assert.EqualValues(t, 1, countSessions(t, f))
}

func TestInitiate_SameKeyWithoutCache(t *testing.T) {
	// 缓存完全不可用时，唯一索引仍然保证同一个会话
	f := newFixture(t, "1000", func(cache.Cache) cache.Cache {
		return &stubCache{getErr: errCacheDown, setErr: errCacheDown, delErr: errCacheDown}
	})

	first := initiate(t, f, "same-key", "100")
	second := initiate(t, f, "same-key", "100")

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.EqualValues(t, 1, countSessions(t, f))
}

func TestInitiate_ConcurrentRace(t *testing.T) {
	for _, tc := range []struct {
		name string
		wrap func(cache.Cache) cache.Cache
	}{
		{"with cache", nil},
		{"cache always misses", func(cache.Cache) cache.Cache { return &stubCache{} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "1000", tc.wrap)

			const n = 10
			ids := make([]uuid.UUID, n)
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					view, err := f.payments.Initiate(context.Background(), f.account.UserID, &InitiateRequest{
						QRData:         testQR,
						Amount:         decimal.NewFromInt(100),
						IdempotencyKey: "race-key",
					})
					errs[i] = err
					if err == nil {
						ids[i] = view.SessionID
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < n; i++ {
				require.NoError(t, errs[i])
				assert.Equal(t, ids[0], ids[i])
			}
			assert.EqualValues(t, 1, countSessions(t, f))
		})
	}
}

func TestInitiate_DifferentUsersMayShareKey(t *testing.T) {
	f := newFixture(t, "1000", nil)
	other := testutil.SeedAccount(t, f.db, "9000000002", "50", testutil.DefaultPin)

	mine := initiate(t, f, "shared", "10")
	theirs, err := f.payments.Initiate(context.Background(), other.UserID, &InitiateRequest{
		QRData: testQR, Amount: decimal.NewFromInt(10), IdempotencyKey: "shared",
	})
	require.NoError(t, err)
	assert.NotEqual(t, mine.SessionID, theirs.SessionID)
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t, "1000", nil)

	tests := []struct {
		name string
		req  InitiateRequest
	}{
		{"zero amount", InitiateRequest{QRData: testQR, Amount: decimal.Zero, IdempotencyKey: "k"}},
		{"negative amount", InitiateRequest{QRData: testQR, Amount: decimal.NewFromInt(-5), IdempotencyKey: "k"}},
		{"three decimals", InitiateRequest{QRData: testQR, Amount: decimal.RequireFromString("1.005"), IdempotencyKey: "k"}},
		{"empty key", InitiateRequest{QRData: testQR, Amount: decimal.NewFromInt(1), IdempotencyKey: "  "}},
		{"long key", InitiateRequest{QRData: testQR, Amount: decimal.NewFromInt(1), IdempotencyKey: string(make([]byte, 65))}},
		{"empty qr", InitiateRequest{QRData: "", Amount: decimal.NewFromInt(1), IdempotencyKey: "k"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := f.payments.Initiate(context.Background(), f.account.UserID, &req)
			requireKind(t, err, KindInvalidArgument)
		})
	}
	assert.EqualValues(t, 0, countSessions(t, f))
}

func TestInitiate_AcceptsTwoDecimals(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "cents", "12.50")
	assert.Equal(t, "12.50", view.Amount.StringFixed(2))
}

func TestInitiate_UnknownMerchant(t *testing.T) {
	f := newFixture(t, "1000", nil)
	_, err := f.payments.Initiate(context.Background(), f.account.UserID, &InitiateRequest{
		QRData: "upi://pay?pa=nobody@upi", Amount: decimal.NewFromInt(1), IdempotencyKey: "k",
	})
	requireKind(t, err, KindNotFound)
	assert.EqualValues(t, 0, countSessions(t, f))
}

func TestInitiate_CacheHitBypassesStore(t *testing.T) {
	f := newFixture(t, "1000", nil)

	cached := SessionView{
		SessionID: uuid.New(),
		Merchant:  MerchantSummary{Name: "cached", UPIID: "cached@upi"},
		Amount:    decimal.NewFromInt(7),
		Status:    model.SessionStatusInitiated,
	}
	key := cache.PaymentIdempotencyKey(f.account.UserID.String(), "cached-key")
	require.NoError(t, f.cache.Set(context.Background(), key, cached, time.Minute))

	// 商户码不存在也能返回，说明没有访问商户和会话表
	view, err := f.payments.Initiate(context.Background(), f.account.UserID, &InitiateRequest{
		QRData: "upi://pay?pa=missing@upi", Amount: decimal.NewFromInt(7), IdempotencyKey: "cached-key",
	})
	require.NoError(t, err)
	assert.Equal(t, cached.SessionID, view.SessionID)
	assert.EqualValues(t, 0, countSessions(t, f))
}

func TestInitiate_CachesViewWithTTL(t *testing.T) {
	f := newFixture(t, "1000", nil)
	initiate(t, f, "ttl-key", "5")

	key := cache.PaymentIdempotencyKey(f.account.UserID.String(), "ttl-key")
	assert.True(t, f.mr.Exists(key))
	assert.Equal(t, 10*time.Minute, f.mr.TTL(key))
}

func TestInitiate_CacheWriteFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, "1000", func(inner cache.Cache) cache.Cache {
		return &stubCache{inner: inner, setErr: errCacheDown}
	})
	view := initiate(t, f, "k", "5")
	assert.NotEqual(t, uuid.Nil, view.SessionID)
}

func TestInitiate_RecoveredSessionKeepsOriginalMerchant(t *testing.T) {
	f := newFixture(t, "1000", nil)
	testutil.SeedMerchant(t, f.db, "bakery", "upi://pay?pa=bakery@upi")

	first := initiate(t, f, "reused", "20")
	f.mr.Del(cache.PaymentIdempotencyKey(f.account.UserID.String(), "reused"))

	second, err := f.payments.Initiate(context.Background(), f.account.UserID, &InitiateRequest{
		QRData: "upi://pay?pa=bakery@upi", Amount: decimal.NewFromInt(99), IdempotencyKey: "reused",
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "chai", second.Merchant.Name)
	assert.True(t, second.Amount.Equal(decimal.NewFromInt(20)))
}

func execute(f *fixture, sessionID uuid.UUID, pin string) (*ExecutionResult, error) {
	return f.payments.Execute(context.Background(), f.account.UserID, &ExecuteRequest{SessionID: sessionID, Pin: pin})
}

func TestExecute_DebitsBalance(t *testing.T) {
	f := newFixture(t, "1000.0", nil)
	view := initiate(t, f, "pay-1", "100.0")

	result, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusSuccess, result.Status)
	assert.Equal(t, view.SessionID, result.TransactionID)
	assert.NotEmpty(t, result.SettlementRef)
	assert.Equal(t, MessagePaymentSuccessful, result.Message)
	assert.Equal(t, "900.00", testutil.Balance(t, f.db, f.account.UserID).StringFixed(2))

	session := testutil.Session(t, f.db, view.SessionID)
	assert.Equal(t, model.SessionStatusSuccess, session.Status)
	require.NotNil(t, session.SettlementRef)
	assert.Equal(t, result.SettlementRef, *session.SettlementRef)
	assert.Nil(t, session.ErrorMessage)
}

func TestExecute_WritesLedgerAndOutbox(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "pay-ledger", "250.50")

	result, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)

	var entries []model.LedgerEntry
	require.NoError(t, f.db.Where("session_id = ?", view.SessionID).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, model.LedgerTypePay, entries[0].Type)
	assert.Equal(t, "-250.50", entries[0].Amount.StringFixed(2))
	assert.Equal(t, "1000.00", entries[0].BalanceBefore.StringFixed(2))
	assert.Equal(t, "749.50", entries[0].BalanceAfter.StringFixed(2))

	var msgs []model.OutboxMessage
	require.NoError(t, f.db.Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, view.SessionID.String(), msgs[0].MessageKey)
	assert.Equal(t, "qrpay.payment.result", msgs[0].Topic)
	assert.Equal(t, model.OutboxStatusPending, msgs[0].Status)
	assert.Contains(t, msgs[0].Payload, result.SettlementRef)
}

func TestExecute_TwiceDebitsOnce(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "twice", "100")

	first, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)

	second, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusSuccess, second.Status)
	assert.Equal(t, first.SettlementRef, second.SettlementRef)
	assert.Equal(t, MessageAlreadyProcessed, second.Message)
	assert.Equal(t, "900.00", testutil.Balance(t, f.db, f.account.UserID).StringFixed(2))

	var n int64
	require.NoError(t, f.db.Model(&model.LedgerEntry{}).Where("session_id = ?", view.SessionID).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestExecute_AlreadyProcessedIgnoresPin(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "replay", "100")
	first, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)

	again, err := execute(f, view.SessionID, "0000")
	require.NoError(t, err)
	assert.Equal(t, first.SettlementRef, again.SettlementRef)
	assert.Equal(t, MessageAlreadyProcessed, again.Message)
}

func TestExecute_ConcurrentSameSession(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "concurrent", "100")

	const n = 8
	results := make([]*ExecutionResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = execute(f, view.SessionID, testutil.DefaultPin)
		}(i)
	}
	wg.Wait()

	successes := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].SettlementRef, results[i].SettlementRef)
		if results[i].Message == MessagePaymentSuccessful {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, "900.00", testutil.Balance(t, f.db, f.account.UserID).StringFixed(2))
}

func TestExecute_ConcurrentSessionsShareBalance(t *testing.T) {
	f := newFixture(t, "250", nil)

	const n = 5
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		ids[i] = initiate(t, f, uuid.NewString(), "100").SessionID
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = execute(f, ids[i], testutil.DefaultPin)
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireKind(t, err, KindInvalidArgument)
		insufficient++
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 3, insufficient)

	balance := testutil.Balance(t, f.db, f.account.UserID)
	assert.False(t, balance.IsNegative())
	assert.Equal(t, "50.00", balance.StringFixed(2))
}

func TestExecute_InsufficientBalance(t *testing.T) {
	f := newFixture(t, "50", nil)
	view := initiate(t, f, "too-much", "100")

	_, err := execute(f, view.SessionID, testutil.DefaultPin)
	requireKind(t, err, KindInvalidArgument)
	assert.Contains(t, err.(*Error).Message, "insufficient balance")

	assert.Equal(t, "50.00", testutil.Balance(t, f.db, f.account.UserID).StringFixed(2))
	assert.Equal(t, model.SessionStatusInitiated, testutil.Session(t, f.db, view.SessionID).Status)
}

func TestExecute_WrongPinHasNoSideEffect(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "wrong-pin", "100")

	_, err := execute(f, view.SessionID, "9999")
	requireKind(t, err, KindUnauthorized)

	assert.Equal(t, "1000.00", testutil.Balance(t, f.db, f.account.UserID).StringFixed(2))
	session := testutil.Session(t, f.db, view.SessionID)
	assert.Equal(t, model.SessionStatusInitiated, session.Status)
	assert.Nil(t, session.SettlementRef)

	// 输对密码后仍然可以正常支付
	result, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusSuccess, result.Status)
}

func TestExecute_NotFound(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "owned", "10")

	_, err := execute(f, uuid.New(), testutil.DefaultPin)
	requireKind(t, err, KindNotFound)

	other := testutil.SeedAccount(t, f.db, "9000000003", "1000", testutil.DefaultPin)
	_, err = f.payments.Execute(context.Background(), other.UserID, &ExecuteRequest{SessionID: view.SessionID, Pin: testutil.DefaultPin})
	requireKind(t, err, KindNotFound)
	assert.Equal(t, model.SessionStatusInitiated, testutil.Session(t, f.db, view.SessionID).Status)
}

func TestExecute_InvalidRequest(t *testing.T) {
	f := newFixture(t, "1000", nil)

	_, err := execute(f, uuid.Nil, testutil.DefaultPin)
	requireKind(t, err, KindInvalidArgument)

	_, err = execute(f, uuid.New(), "")
	requireKind(t, err, KindInvalidArgument)
}

func TestExecute_ExpiredSession(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "late", "100")
	f.payments.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	_, err := execute(f, view.SessionID, testutil.DefaultPin)
	requireKind(t, err, KindInvalidArgument)
	assert.Contains(t, err.Error(), MessageSessionExpired)

	session := testutil.Session(t, f.db, view.SessionID)
	assert.Equal(t, model.SessionStatusFailed, session.Status)
	require.NotNil(t, session.ErrorMessage)
	assert.Equal(t, MessageSessionExpired, *session.ErrorMessage)
	assert.Equal(t, "1000.00", testutil.Balance(t, f.db, f.account.UserID).StringFixed(2))
	assert.False(t, f.mr.Exists(cache.PaymentIdempotencyKey(f.account.UserID.String(), "late")))

	again, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusFailed, again.Status)
	assert.Equal(t, MessageAlreadyProcessed, again.Message)
	assert.Empty(t, again.SettlementRef)
}

func TestExecute_EvictsIdempotencyEntry(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "evict", "100")
	key := cache.PaymentIdempotencyKey(f.account.UserID.String(), "evict")
	require.True(t, f.mr.Exists(key))

	_, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)
	assert.False(t, f.mr.Exists(key))

	// 缓存清掉后再次发起，从数据库拿到已成功的会话
	again := initiate(t, f, "evict", "100")
	assert.Equal(t, view.SessionID, again.SessionID)
	assert.Equal(t, model.SessionStatusSuccess, again.Status)
}

func TestExecute_EvictionFailureDoesNotFail(t *testing.T) {
	f := newFixture(t, "1000", func(inner cache.Cache) cache.Cache {
		return &stubCache{inner: inner, delErr: errCacheDown}
	})
	view := initiate(t, f, "sticky", "100")

	result, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusSuccess, result.Status)
	assert.Equal(t, "900.00", testutil.Balance(t, f.db, f.account.UserID).StringFixed(2))
}

func TestExecute_CancelledContextRollsBack(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "cancelled", "100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.payments.Execute(ctx, f.account.UserID, &ExecuteRequest{SessionID: view.SessionID, Pin: testutil.DefaultPin})
	requireKind(t, err, KindInternal)

	assert.Equal(t, "1000.00", testutil.Balance(t, f.db, f.account.UserID).StringFixed(2))
	assert.Equal(t, model.SessionStatusInitiated, testutil.Session(t, f.db, view.SessionID).Status)
}

func TestGetSession(t *testing.T) {
	f := newFixture(t, "1000", nil)
	view := initiate(t, f, "query", "100")
	result, err := execute(f, view.SessionID, testutil.DefaultPin)
	require.NoError(t, err)

	detail, err := f.payments.GetSession(context.Background(), f.account.UserID, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusSuccess, detail.Status)
	assert.Equal(t, "chai", detail.Merchant.Name)
	require.NotNil(t, detail.SettlementRef)
	assert.Equal(t, result.SettlementRef, *detail.SettlementRef)

	_, err = f.payments.GetSession(context.Background(), uuid.New(), view.SessionID)
	requireKind(t, err, KindNotFound)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, "1000", nil)
	for i := 0; i < 3; i++ {
		initiate(t, f, uuid.NewString(), "10")
	}

	page, total, err := f.payments.ListSessions(context.Background(), f.account.UserID, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, page, 2)
}
