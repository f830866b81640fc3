// Package listing fetches the newest coins from a JSON feed.
package listing

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/jusunglee/pumpbot/internal/metrics"
)

// TopN is how many coins a listing shows.
const TopN = 5

var ErrUnavailable = errors.New("coin listing unavailable")

type Coin struct {
	Name      string    `json:"name"`
	Symbol    string    `json:"symbol"`
	Price     string    `json:"price"`
	MarketCap string    `json:"market_cap"`
	Change24h string    `json:"change_24h"`
	Volume24h string    `json:"volume_24h"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Falling reports whether the 24h change is negative.
func (c Coin) Falling() bool {
	return len(c.Change24h) > 0 && c.Change24h[0] == '-'
}

type feed struct {
	Coins []Coin `json:"coins"`
}

type Client struct {
	url        string
	userAgent  string
	httpClient *http.Client
}

func NewClient(url, userAgent string) *Client {
	return &Client{
		url:       url,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewestCoins returns up to TopN coins, newest first. The feed may be a bare
// JSON array or an object with a "coins" array.
func (c *Client) NewestCoins(ctx context.Context) (coins []Coin, err error) {
	start := time.Now()
	defer func() {
		metrics.ListingFetchDuration.Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ListingFetchTotal.WithLabelValues(result).Inc()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching listing: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching listing: %w: unexpected status code %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading listing: %w", err)
	}
	if coins, err = decode(body); err != nil {
		return nil, err
	}
	return newest(coins), nil
}

func decode(body []byte) ([]Coin, error) {
	var coins []Coin
	if err := json.Unmarshal(body, &coins); err == nil {
		return coins, nil
	}
	var f feed
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}
	return f.Coins, nil
}

// newest orders coins by creation time, newest first, keeping feed order
// for ties, and keeps TopN.
func newest(coins []Coin) []Coin {
	slices.SortStableFunc(coins, func(a, b Coin) int {
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})
	return coins[:min(len(coins), TopN)]
}
