// Package provider is the HTTP client for the external price provider's
// scrape endpoint.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
)

const defaultTimeout = 30 * time.Second

// Response is the provider's scrape payload. Average is the provider's own
// figure and is never used for aggregation.
type Response struct {
	Query     string            `json:"query"`
	Prices    []decimal.Decimal `json:"prices"`
	Average   *decimal.Decimal  `json:"average,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p resilience.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithRateLimit caps outgoing requests per second. A non-positive rate
// disables the limiter.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) {
		if perSec <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), max(burst, 1))
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithClock overrides the time used for payloads without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client fetches prices from GET {base}/scrape?query=.
type Client struct {
	baseURL string
	http    *resty.Client
	retry   resilience.Policy
	limiter *rate.Limiter
	breaker *resilience.Breaker
	now     func() time.Time
}

// New creates a provider Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    resty.New().SetTimeout(defaultTimeout).SetHeader("Accept", "application/json"),
		retry:   resilience.DefaultPolicy(),
		breaker: resilience.NewBreaker("provider", 5, 30*time.Second),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch returns the observations for query. Every price carries the payload's
// capture timestamp. An empty result is not an error.
func (c *Client) Fetch(ctx context.Context, query string) ([]model.PricePoint, error) {
	resp, err := c.Scrape(ctx, query)
	if err != nil {
		return nil, err
	}

	observed, err := c.observedAt(resp.Timestamp)
	if err != nil {
		return nil, &model.ProviderError{Query: query, Err: err}
	}

	points := make([]model.PricePoint, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		points = append(points, model.PricePoint{Price: p, ObservedAt: observed})
	}
	return points, nil
}

// BreakerState reports whether provider calls are currently let through.
func (c *Client) BreakerState() resilience.BreakerState {
	return c.breaker.State()
}

// Scrape performs the request and returns the decoded payload. Failures are
// *model.ProviderError.
func (c *Client) Scrape(ctx context.Context, query string) (*Response, error) {
	resp, err := resilience.Guard(ctx, c.breaker, countsAsOutage, func(ctx context.Context) (*Response, error) {
		return resilience.Retry(ctx, c.retry, "provider.scrape", func(ctx context.Context) (*Response, error) {
			return c.scrapeOnce(ctx, query)
		})
	})
	if err != nil {
		if !model.IsProvider(err) {
			err = &model.ProviderError{Query: query, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) scrapeOnce(ctx context.Context, query string) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &model.ProviderError{Query: query, Err: eris.Wrap(err, "provider: rate limit wait")}
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("query", query).
		Get(c.baseURL + "/scrape")
	if err != nil {
		return nil, &model.ProviderError{Query: query, Err: eris.Wrap(err, "provider: request")}
	}

	if resp.StatusCode() != http.StatusOK {
		var cause error = eris.Errorf("provider: unexpected status: %s", truncate(resp.String(), 200))
		if resilience.RetryableStatus(resp.StatusCode()) {
			cause = resilience.Transient(cause, resp.StatusCode())
		}
		return nil, &model.ProviderError{Query: query, StatusCode: resp.StatusCode(), Err: cause}
	}

	var out Response
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &model.ProviderError{Query: query, StatusCode: resp.StatusCode(), Err: eris.Wrap(err, "provider: decode payload")}
	}
	if err := validate(&out); err != nil {
		return nil, &model.ProviderError{Query: query, StatusCode: resp.StatusCode(), Err: err}
	}

	zap.L().Debug("provider response",
		zap.String("component", "provider"),
		zap.String("query", query),
		zap.Int("prices", len(out.Prices)),
	)
	return &out, nil
}

func validate(r *Response) error {
	for i, p := range r.Prices {
		if !p.IsPositive() {
			return eris.Errorf("provider: malformed payload: price %d is %s", i, p)
		}
	}
	return nil
}

func (c *Client) observedAt(ts string) (time.Time, error) {
	if ts == "" {
		return c.now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		// Naive ISO timestamps are taken as UTC.
		t, err = time.Parse("2006-01-02T15:04:05.999999999", ts)
		if err != nil {
			return time.Time{}, eris.Wrapf(err, "provider: malformed timestamp %q", ts)
		}
	}
	return t.UTC(), nil
}

// countsAsOutage reports whether err says the provider is unavailable rather
// than that it answered badly.
func countsAsOutage(err error) bool {
	return resilience.IsTransient(err)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return fmt.Sprintf("%s...", s[:n])
}
