// Package deribit fetches option book summaries and index prices from the
// Deribit public REST API and turns them into market snapshots.
package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rewired-gh/optoracle/internal/logger"
	"github.com/rewired-gh/optoracle/internal/models"
)

// ClientConfig tunes retries, pooling, and request pacing.
type ClientConfig struct {
	MaxRetries          int
	RetryDelayBase      time.Duration
	RequestsPerSecond   float64
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Client provides access to the Deribit public API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	retryDelayBase time.Duration
	now            func() time.Time
}

// BookSummary is one entry of public/get_book_summary_by_currency.
type BookSummary struct {
	InstrumentName  string  `json:"instrument_name"`
	MarkPrice       float64 `json:"mark_price"`
	Volume          float64 `json:"volume"`
	OpenInterest    float64 `json:"open_interest"`
	UnderlyingPrice float64 `json:"underlying_price"`
}

type indexPrice struct {
	IndexPrice float64 `json:"index_price"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// NewClient creates a new Deribit client.
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 5
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
				IdleConnTimeout:     cfg.IdleConnTimeout,
			},
		},
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		now:            time.Now,
	}
}

// FetchSnapshot returns every option quote of currency together with its index price.
func (c *Client) FetchSnapshot(ctx context.Context, currency string) (models.MarketSnapshot, error) {
	summaries, err := c.FetchBookSummaries(ctx, currency)
	if err != nil {
		return models.MarketSnapshot{}, err
	}
	ref, err := c.FetchIndexPrice(ctx, currency)
	if err != nil {
		return models.MarketSnapshot{}, err
	}

	quotes := make([]models.InstrumentQuote, 0, len(summaries))
	for _, s := range summaries {
		quotes = append(quotes, models.InstrumentQuote{
			Symbol:       s.InstrumentName,
			MarkPrice:    s.MarkPrice,
			Volume:       s.Volume,
			OpenInterest: s.OpenInterest,
		})
	}

	return models.MarketSnapshot{
		Currency:       strings.ToUpper(currency),
		ObservedAt:     c.now().UTC(),
		ReferencePrice: ref,
		Quotes:         quotes,
	}, nil
}

// FetchBookSummaries calls public/get_book_summary_by_currency for options.
func (c *Client) FetchBookSummaries(ctx context.Context, currency string) ([]BookSummary, error) {
	q := url.Values{}
	q.Set("currency", strings.ToUpper(currency))
	q.Set("kind", "option")

	var out []BookSummary
	if err := c.call(ctx, "public/get_book_summary_by_currency", q, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch book summaries: %w", err)
	}
	logger.Debug("Fetched %d %s option summaries", len(out), currency)
	return out, nil
}

// FetchIndexPrice calls public/get_index_price for <currency>_usd.
func (c *Client) FetchIndexPrice(ctx context.Context, currency string) (float64, error) {
	q := url.Values{}
	q.Set("index_name", strings.ToLower(currency)+"_usd")

	var out indexPrice
	if err := c.call(ctx, "public/get_index_price", q, &out); err != nil {
		return 0, fmt.Errorf("failed to fetch index price: %w", err)
	}
	return out.IndexPrice, nil
}

func (c *Client) call(ctx context.Context, method string, q url.Values, result interface{}) error {
	u := c.baseURL + "/" + method + "?" + q.Encode()

	body, err := c.doRequest(ctx, u)
	if err != nil {
		return err
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("api error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// doRequest performs an HTTP GET with linear-backoff retry on transport errors and 5xx.
func (c *Client) doRequest(ctx context.Context, urlStr string) ([]byte, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			default:
				return body, nil
			}
		}

		logger.Debug("Deribit request attempt %d/%d failed: %v", i+1, c.maxRetries, lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
