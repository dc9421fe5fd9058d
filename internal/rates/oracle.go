package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// OracleSource quotes rates from an external HTTP price oracle.
// Responses are cached per pair for a short TTL so a bridge touching
// several currency pairs does not hammer the oracle.
type OracleSource struct {
	client  *http.Client
	baseURL string
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedRate
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

type oracleResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

func NewOracleSource(baseURL string, ttl time.Duration) *OracleSource {
	return &OracleSource{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: baseURL,
		ttl:     ttl,
		cache:   make(map[string]cachedRate),
	}
}

func (o *OracleSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return one, nil
	}

	pair := from + "/" + to

	o.mu.Lock()
	if entry, ok := o.cache[pair]; ok && time.Since(entry.fetchedAt) < o.ttl {
		o.mu.Unlock()
		return entry.rate, nil
	}
	o.mu.Unlock()

	rate, err := o.fetch(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}

	o.mu.Lock()
	o.cache[pair] = cachedRate{rate: rate, fetchedAt: time.Now()}
	o.mu.Unlock()

	return rate, nil
}

func (o *OracleSource) fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle %s/%s: %w", from, to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle %s/%s: status %d", from, to, resp.StatusCode)
	}

	var body oracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("oracle %s/%s: decode: %w", from, to, err)
	}
	if !body.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("oracle %s/%s: non-positive rate %s", from, to, body.Rate)
	}

	return body.Rate, nil
}
