package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/haul-tracker/internal/pricing"
)

// DefaultBaseURL is the public dolarapi.com endpoint
const DefaultBaseURL = "https://dolarapi.com"

// ErrUnavailable wraps every failure to obtain a snapshot
var ErrUnavailable = errors.New("exchange rates unavailable")

// Fetcher returns a fresh exchange-rate snapshot
type Fetcher interface {
	Fetch(ctx context.Context) (pricing.ExchangeRates, error)
}

// Client fetches the official and crypto dollar quotes from dolarapi.com.
// Every call hits the API; snapshots are not cached.
type Client struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewClient creates a new Client
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

// quote is the dolarapi.com response shape
type quote struct {
	Compra float64 `json:"compra"`
	Venta  float64 `json:"venta"`
}

// Fetch retrieves both quotes concurrently
func (c *Client) Fetch(ctx context.Context) (pricing.ExchangeRates, error) {
	var official, informal quote

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := c.fetchQuote(ctx, "oficial")
		official = q
		return err
	})
	g.Go(func() error {
		q, err := c.fetchQuote(ctx, "cripto")
		informal = q
		return err
	})
	if err := g.Wait(); err != nil {
		return pricing.ExchangeRates{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return pricing.ExchangeRates{
		Official:  pricing.Quote{Buy: official.Compra, Sell: official.Venta},
		Informal:  pricing.Quote{Buy: informal.Compra, Sell: informal.Venta},
		FetchedAt: c.now().UTC(),
	}, nil
}

func (c *Client) fetchQuote(ctx context.Context, market string) (quote, error) {
	var q quote

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/dolares/%s", c.baseURL, market), nil)
	if err != nil {
		return q, fmt.Errorf("creating %s request: %w", market, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return q, fmt.Errorf("fetching %s quote: %w", market, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return q, fmt.Errorf("%s quote (status %d): %s", market, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return q, fmt.Errorf("decoding %s quote: %w", market, err)
	}
	return q, nil
}
