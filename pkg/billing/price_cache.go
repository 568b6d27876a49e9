package billing

import (
	"context"
	"errors"
	"time"

	"github.com/jordanlanch/docvault/pkg/cache"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"golang.org/x/sync/singleflight"
)

const priceKeyPrefix = "pricing:v1:"

// PriceSource loads a plan's price from the provider
type PriceSource interface {
	PlanPrice(ctx context.Context, plan models.Plan) (*Price, error)
}

// PriceCache is a read-through Redis cache of plan prices for the pricing
// page. Entitlement decisions never read it.
type PriceCache struct {
	source PriceSource
	cache  *cache.Client
	ttl    time.Duration
	group  singleflight.Group
	log    logger.Logger
}

// NewPriceCache creates a PriceCache. A nil cache client disables caching.
func NewPriceCache(source PriceSource, c *cache.Client, ttl time.Duration, log logger.Logger) *PriceCache {
	if log == nil {
		log = logger.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PriceCache{source: source, cache: c, ttl: ttl, log: log}
}

// Get returns the plan's price, loading it from the provider on a miss.
// Concurrent misses for the same plan share one provider call.
func (p *PriceCache) Get(ctx context.Context, plan models.Plan) (*Price, error) {
	key := priceKeyPrefix + string(plan)

	if p.cache != nil {
		var cached Price
		err := p.cache.GetJSON(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			p.log.Warn("price cache read failed", "plan", plan, "error", err)
		}
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		price, err := p.source.PlanPrice(ctx, plan)
		if err != nil {
			return nil, err
		}
		if p.cache != nil {
			if err := p.cache.SetJSON(ctx, key, price, p.ttl); err != nil {
				p.log.Warn("price cache write failed", "plan", plan, "error", err)
			}
		}
		return price, nil
	})
	if err != nil {
		return nil, err
	}
	price := *v.(*Price)
	return &price, nil
}

// Invalidate drops every cached price
func (p *PriceCache) Invalidate(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	n, err := p.cache.DeletePattern(ctx, priceKeyPrefix+"*")
	if err != nil {
		return err
	}
	p.log.Info("price cache invalidated", "keys", n)
	return nil
}
