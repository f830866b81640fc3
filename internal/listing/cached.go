package listing

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Fetcher is implemented by Client.
type Fetcher interface {
	NewestCoins(ctx context.Context) ([]Coin, error)
}

// CachedClient serves a recent listing for ttl so refresh bursts from many
// users cost one upstream request.
type CachedClient struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	coins     []Coin
	fetchedAt time.Time
}

func NewCachedClient(fetcher Fetcher, ttl time.Duration) *CachedClient {
	return &CachedClient{fetcher: fetcher, ttl: ttl, now: time.Now}
}

// NewestCoins returns the cached listing if it is younger than ttl. A failed
// fetch is returned as an error and leaves the cache untouched.
func (c *CachedClient) NewestCoins(ctx context.Context) ([]Coin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.coins != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return slices.Clone(c.coins), nil
	}

	coins, err := c.fetcher.NewestCoins(ctx)
	if err != nil {
		return nil, err
	}
	c.coins = coins
	c.fetchedAt = c.now()
	return slices.Clone(coins), nil
}
