package cache

import (
	"context"
	"strings"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/code-payments/purchase-bridge/iap"
	"github.com/code-payments/purchase-bridge/model"
)

// Verifier remembers successful verifications so redelivered purchases do not
// hit the verification service again until the ttl expires. Rejections and
// errors are never cached, since a pending purchase may verify later.
type Verifier struct {
	verifier iap.Verifier
	cache    *ttlcache.Cache
}

func NewInCache(verifier iap.Verifier, ttl time.Duration) *Verifier {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	return &Verifier{
		verifier: verifier,
		cache:    cache,
	}
}

func (c *Verifier) VerifyPurchase(ctx context.Context, purchase *model.Purchase) (bool, error) {
	cacheKey := toCacheKey(purchase)

	if _, ok := c.cache.Get(cacheKey); ok {
		return true, nil
	}

	verified, err := c.verifier.VerifyPurchase(ctx, purchase)
	if err != nil {
		return false, err
	}
	if verified {
		c.cache.Set(cacheKey, true)
	}
	return verified, nil
}

// Close stops the cache's expiry goroutine.
func (c *Verifier) Close() {
	c.cache.Close()
}

func toCacheKey(purchase *model.Purchase) string {
	return purchase.Token + "|" + strings.Join(purchase.ProductIDs, ",")
}
