package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/vibetrade/marketdata/internal/market"
)

const (
	coinbaseLiveURL    = "https://api.coinbase.com"
	coinbaseSandboxURL = "https://api-sandbox.coinbase.com"

	candlesPath = "/api/v3/brokerage/products/%s/candles"

	// Advanced Trade returns at most 350 candles per request.
	defaultChunkSize = 350

	requestTimeout    = 30 * time.Second
	requestsPerSecond = 10
	retryAttempts     = 4
	retryBaseDelay    = 500 * time.Millisecond
)

// CoinbaseConfig configures a Coinbase Advanced Trade adapter.
type CoinbaseConfig struct {
	// APIKey and APISecret are CDP credentials. The secret is an EC private
	// key in PEM form.
	APIKey    string
	APISecret string

	// Environment selects the API host: "live" or "sandbox".
	Environment string

	// ChunkSize caps candles per request. The pagination window is
	// ChunkSize × granularity, so coarse granularities fetch proportionally
	// longer windows per request. Defaults to 350.
	ChunkSize int

	Logger *slog.Logger
}

// Coinbase fetches candles from the Coinbase Advanced Trade API.
type Coinbase struct {
	httpClient *http.Client
	baseURL    string
	creds      *cdpCredentials
	limiter    *rate.Limiter
	logger     *slog.Logger
	chunkSize  int
}

// NewCoinbase creates a Coinbase adapter. It fails fast on missing or
// malformed credentials so the orchestrator never runs with a broken client.
func NewCoinbase(cfg CoinbaseConfig) (*Coinbase, error) {
	creds, err := newCDPCredentials(cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, err
	}

	baseURL := coinbaseLiveURL
	if cfg.Environment == "sandbox" {
		baseURL = coinbaseSandboxURL
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coinbase{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		creds:      creds,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:     logger.With("exchange", "coinbase"),
		chunkSize:  chunkSize,
	}, nil
}

// coinbaseCandle is one element of the candles response. All numeric fields
// arrive as strings; start is unix seconds.
type coinbaseCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

type candlesResponse struct {
	Candles []coinbaseCandle `json:"candles"`
}

// GetCandles implements Adapter. The window [start, end] is split into chunks
// of at most chunkSize granularity units, fetched sequentially, then merged,
// sorted ascending and deduplicated on timestamp. Cancellation is honored
// between chunks; a failed chunk aborts the whole fetch.
func (c *Coinbase) GetCandles(
	ctx context.Context,
	symbol market.Symbol,
	instrument market.Instrument,
	start, end time.Time,
	granularity market.Granularity,
) ([]market.Candle, error) {
	if instrument.Base != symbol {
		return nil, fmt.Errorf("base symbol mismatch: symbol is %s but instrument is %s", symbol, instrument)
	}

	product := instrument.String()
	step := granularity.Duration()
	window := time.Duration(c.chunkSize) * step

	c.logger.Info("fetching candles",
		"product", product, "granularity", granularity,
		"start", start.UTC().Format(time.RFC3339), "end", end.UTC().Format(time.RFC3339))

	var all []market.Candle
	chunkStart := start
	for chunkStart.Before(end) {
		select {
		case <-ctx.Done():
			return nil, &Error{Provider: "coinbase", Err: ctx.Err()}
		default:
		}

		chunkEnd := chunkStart.Add(window)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		candles, err := c.fetchChunk(ctx, product, chunkStart, chunkEnd, granularity)
		if err != nil {
			return nil, &Error{Provider: "coinbase", Err: err}
		}
		all = append(all, candles...)

		chunkStart = chunkEnd.Add(step)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	all = dedupeByTimestamp(all)

	c.logger.Info("fetched candles", "product", product, "count", len(all))
	return all, nil
}

// fetchChunk requests a single page of candles, retrying transient failures
// (transport errors, 429, 5xx) with exponential backoff.
func (c *Coinbase) fetchChunk(
	ctx context.Context,
	product string,
	start, end time.Time,
	granularity market.Granularity,
) ([]market.Candle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	path := fmt.Sprintf(candlesPath, url.PathEscape(product))
	query := url.Values{
		"start":       {strconv.FormatInt(start.Unix(), 10)},
		"end":         {strconv.FormatInt(end.Unix(), 10)},
		"granularity": {granularity.CoinbaseName()},
	}
	reqURL := c.baseURL + path + "?" + query.Encode()

	host := reqURL
	if u, err := url.Parse(c.baseURL); err == nil {
		host = u.Host
	}
	signingURI := fmt.Sprintf("GET %s%s", host, path)

	var body []byte
	backoff := retry.WithMaxRetries(retryAttempts, retry.NewExponential(retryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		token, err := c.creds.token(signingURI)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body = data
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.logger.Warn("retryable provider response", "product", product, "status", resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200)))
		default:
			return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fetch candles for %s: %w", product, err)
	}

	var parsed candlesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode candles for %s: %w", product, err)
	}

	candles := make([]market.Candle, 0, len(parsed.Candles))
	for _, raw := range parsed.Candles {
		candle, err := raw.toCandle()
		if err != nil {
			return nil, fmt.Errorf("malformed candle for %s: %w", product, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func (raw coinbaseCandle) toCandle() (market.Candle, error) {
	startUnix, err := strconv.ParseInt(raw.Start, 10, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("start %q: %w", raw.Start, err)
	}

	fields := [5]float64{}
	for i, s := range [5]string{raw.Open, raw.High, raw.Low, raw.Close, raw.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Candle{}, fmt.Errorf("numeric field %q: %w", s, err)
		}
		fields[i] = v
	}

	return market.Candle{
		Timestamp: time.Unix(startUnix, 0).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

// dedupeByTimestamp drops duplicate timestamps from a sorted slice. Chunk
// boundaries can overlap when the provider rounds window edges.
func dedupeByTimestamp(candles []market.Candle) []market.Candle {
	if len(candles) < 2 {
		return candles
	}
	out := candles[:1]
	for _, c := range candles[1:] {
		if !c.Timestamp.Equal(out[len(out)-1].Timestamp) {
			out = append(out, c)
		}
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
