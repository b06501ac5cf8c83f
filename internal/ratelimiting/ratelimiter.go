package ratelimiting

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

type RateLimiter interface {
	// Take a token for the key.
	// When no token is available, returns false and how long until one will be.
	Consume(key string) (bool, time.Duration)
}

type tokenBucketRateLimiter struct {
	limiterByKey *ttlcache.Cache[string, *rate.Limiter]
	refill       rate.Limit
	burstSize    int
	nowFunc      func() time.Time
}

func (rateLimiter *tokenBucketRateLimiter) Consume(key string) (bool, time.Duration) {
	item, _ := rateLimiter.limiterByKey.GetOrSet(key, rate.NewLimiter(rateLimiter.refill, rateLimiter.burstSize))
	limiter := item.Value()

	now := rateLimiter.nowFunc()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0
	}

	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}

	// Don't hold on to a token we won't use
	reservation.CancelAt(now)
	return false, delay
}

type RefillInterval time.Duration
type BurstSize int

// One token is added to each key's bucket every refillInterval, up to burstSize
func NewTokenBucketRateLimiter(refillInterval RefillInterval, burstSize BurstSize, nowFunc func() time.Time) (RateLimiter, func()) {
	limiterTTLCache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](30 * time.Minute),
	)
	go limiterTTLCache.Start()

	return &tokenBucketRateLimiter{
		limiterByKey: limiterTTLCache,
		refill:       rate.Every(time.Duration(refillInterval)),
		burstSize:    int(burstSize),
		nowFunc:      nowFunc,
	}, limiterTTLCache.Stop
}

type unlimited struct{}

func (unlimited) Consume(key string) (bool, time.Duration) {
	return true, 0
}

func NewUnlimited() RateLimiter {
	return unlimited{}
}
