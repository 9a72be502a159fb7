package job

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Locker 多副本部署时，每一轮任务开始前先抢锁，抢不到就跳过本轮。
// *lock.DistributedLock 实现了这个接口。
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

var (
	outboxMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrpay_outbox_messages_total",
		Help: "Outbox relay attempts by result (sent, retry, failed).",
	}, []string{"result"})

	ledgerAuditMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qrpay_ledger_audit_mismatches",
		Help: "Successful sessions without a PAY ledger entry found by the last audit run.",
	})
)

// withLock 抢到锁才执行 fn，locker 为 nil 时直接执行
func withLock(ctx context.Context, locker Locker, fn func()) (bool, error) {
	if locker == nil {
		fn()
		return true, nil
	}

	ok, err := locker.TryLock(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		_ = locker.Unlock(context.Background())
	}()

	fn()
	return true, nil
}
