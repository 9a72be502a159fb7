package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"qrpay/internal/infrastructure/cache"
	"qrpay/internal/model"
	"qrpay/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MerchantService 商户查询，缓存在前、数据库兜底
//
// 商户数据近似不可变，缓存命中后不做新鲜度校验。
// 缓存读失败按未命中处理，写失败只记日志，数据库的结果始终是准的。
type MerchantService struct {
	repo   *repository.MerchantRepository
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewMerchantService(repo *repository.MerchantRepository, c cache.Cache, ttl time.Duration, logger *zap.Logger) *MerchantService {
	return &MerchantService{
		repo:   repo,
		cache:  c,
		ttl:    ttl,
		logger: logger.Named("MerchantService"),
	}
}

// ResolveByQR 按扫码内容查商户
func (s *MerchantService) ResolveByQR(ctx context.Context, code string) (*model.Merchant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, InvalidArgument("qr data is required")
	}
	return s.readThrough(ctx, cache.MerchantQRKey(code), func() (*model.Merchant, error) {
		return s.repo.GetByQRCode(ctx, code)
	})
}

// GetByID 按商户ID查商户
func (s *MerchantService) GetByID(ctx context.Context, id uuid.UUID) (*model.Merchant, error) {
	return s.readThrough(ctx, cache.MerchantIDKey(id.String()), func() (*model.Merchant, error) {
		return s.repo.GetByID(ctx, id)
	})
}

func (s *MerchantService) readThrough(ctx context.Context, key string, load func() (*model.Merchant, error)) (*model.Merchant, error) {
	var cached model.Merchant
	hit, err := s.cache.Get(ctx, key, &cached)
	switch {
	case err != nil:
		cacheLookups.WithLabelValues("merchant", "error").Inc()
		s.logger.Warn("读取商户缓存失败，回源数据库", zap.String("key", key), zap.Error(err))
	case hit:
		cacheLookups.WithLabelValues("merchant", "hit").Inc()
		return &cached, nil
	default:
		cacheLookups.WithLabelValues("merchant", "miss").Inc()
	}

	merchant, err := load()
	if err != nil {
		if errors.Is(err, repository.ErrMerchantNotFound) {
			return nil, NotFound("merchant not found")
		}
		return nil, Internal("failed to load merchant", err)
	}

	if err := s.cache.Set(ctx, key, merchant, s.ttl); err != nil {
		cacheWriteFailures.WithLabelValues("merchant", "set").Inc()
		s.logger.Warn("写入商户缓存失败", zap.String("key", key), zap.Error(err))
	}
	return merchant, nil
}
