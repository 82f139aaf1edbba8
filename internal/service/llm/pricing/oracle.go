// Package pricing caches upstream model prices and the billing exchange rate.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"tollgate/internal/capabilities"
	"tollgate/internal/domain"
	"tollgate/internal/domain/models/llm"
)

const (
	pricesKey = "prices"
	rateKey   = "rate"

	maxErrorBodyBytes = 8 * 1024
	refreshTimeout    = 15 * time.Second
)

// Config controls the price and exchange-rate sources
type Config struct {
	BaseURL string // upstream API base, GET {BaseURL}/models; empty uses the catalog only
	APIKey  string
	TTL     time.Duration
	// StaleFactor extends TTL: entries older than TTL but younger than TTL*StaleFactor
	// are served while a background refresh runs
	StaleFactor     int
	Currency        string          // local billing currency, e.g. "JPY"
	ExchangeRate    decimal.Decimal // fixed local units per USD; also the fallback when ExchangeRateURL fails
	ExchangeRateURL string          // returns {"rates": {"<CUR>": n}} relative to USD
}

type cached[T any] struct {
	value     T
	fetchedAt time.Time
	ok        bool
}

// Oracle serves model prices and exchange rates from a TTL cache.
// Concurrent refreshes of the same entry collapse into one upstream call.
type Oracle struct {
	cfg        Config
	httpClient *http.Client
	catalog    *capabilities.Registry
	logger     *slog.Logger
	now        func() time.Time

	group singleflight.Group

	mu     sync.RWMutex
	prices cached[map[string]llm.ModelPrice]
	rate   cached[decimal.Decimal]
}

// NewOracle creates a pricing oracle. httpClient may be nil.
func NewOracle(cfg Config, httpClient *http.Client, catalog *capabilities.Registry, logger *slog.Logger) *Oracle {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: refreshTimeout}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.StaleFactor < 1 {
		cfg.StaleFactor = 3
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	return &Oracle{
		cfg:        cfg,
		httpClient: httpClient,
		catalog:    catalog,
		logger:     logger,
		now:        time.Now,
	}
}

// Currency returns the local billing currency
func (o *Oracle) Currency() string {
	return o.cfg.Currency
}

// Quote pins the price and exchange rate for one completion
func (o *Oracle) Quote(ctx context.Context, model string) (llm.Quote, error) {
	price, err := o.Price(ctx, model)
	if err != nil {
		return llm.Quote{}, err
	}
	rate, err := o.ExchangeRate(ctx)
	if err != nil {
		return llm.Quote{}, err
	}
	return llm.Quote{
		Price:        price,
		ExchangeRate: rate,
		Currency:     o.cfg.Currency,
		FetchedAt:    o.now(),
	}, nil
}

// Price returns the price of a model.
// Unknown models fail with a validation error.
func (o *Oracle) Price(ctx context.Context, model string) (llm.ModelPrice, error) {
	if strings.TrimSpace(model) == "" {
		return llm.ModelPrice{}, domain.NewValidationError("model", "is required")
	}

	prices := o.cachedPrices(ctx)
	if p, ok := prices[model]; ok {
		if p.ContextLength <= 0 && o.catalog != nil {
			if fallback, ok := o.catalog.FallbackPrice(model); ok {
				p.ContextLength = fallback.ContextLength
			}
		}
		return p, nil
	}

	if o.catalog != nil {
		if p, ok := o.catalog.FallbackPrice(model); ok {
			return p, nil
		}
	}

	return llm.ModelPrice{}, fmt.Errorf("unknown model %q: %w", model, domain.ErrValidation)
}

// ExchangeRate returns local currency units per 1 USD
func (o *Oracle) ExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	if o.cfg.Currency == "USD" {
		return decimal.NewFromInt(1), nil
	}
	if o.cfg.ExchangeRateURL == "" {
		if !o.cfg.ExchangeRate.IsPositive() {
			return decimal.Zero, fmt.Errorf("no exchange rate configured for %s: %w", o.cfg.Currency, domain.ErrValidation)
		}
		return o.cfg.ExchangeRate, nil
	}

	o.mu.RLock()
	entry := o.rate
	o.mu.RUnlock()

	switch o.freshness(entry.fetchedAt, entry.ok) {
	case fresh:
		return entry.value, nil
	case stale:
		o.refreshInBackground(rateKey, o.refreshRate)
		return entry.value, nil
	}

	v, err, _ := o.group.Do(rateKey, func() (interface{}, error) {
		return o.refreshRate(ctx)
	})
	if err == nil {
		return v.(decimal.Decimal), nil
	}

	if entry.ok {
		o.logger.Warn("exchange rate refresh failed, serving expired rate",
			"currency", o.cfg.Currency,
			"age", o.now().Sub(entry.fetchedAt),
			"error", err,
		)
		return entry.value, nil
	}
	if o.cfg.ExchangeRate.IsPositive() {
		o.logger.Warn("exchange rate fetch failed, using configured rate",
			"currency", o.cfg.Currency,
			"error", err,
		)
		return o.cfg.ExchangeRate, nil
	}
	return decimal.Zero, err
}

// Prices returns the cached upstream price list, refreshing it as needed
func (o *Oracle) Prices(ctx context.Context) map[string]llm.ModelPrice {
	return o.cachedPrices(ctx)
}

func (o *Oracle) cachedPrices(ctx context.Context) map[string]llm.ModelPrice {
	if o.cfg.BaseURL == "" {
		return nil
	}

	o.mu.RLock()
	entry := o.prices
	o.mu.RUnlock()

	switch o.freshness(entry.fetchedAt, entry.ok) {
	case fresh:
		return entry.value
	case stale:
		o.refreshInBackground(pricesKey, o.refreshPrices)
		return entry.value
	}

	v, err, _ := o.group.Do(pricesKey, func() (interface{}, error) {
		return o.refreshPrices(ctx)
	})
	if err != nil {
		o.logger.Warn("price list refresh failed",
			"has_previous", entry.ok,
			"error", err,
		)
		return entry.value
	}
	return v.(map[string]llm.ModelPrice)
}

type age int

const (
	missing age = iota
	fresh
	stale
	expired
)

func (o *Oracle) freshness(fetchedAt time.Time, ok bool) age {
	if !ok {
		return missing
	}
	elapsed := o.now().Sub(fetchedAt)
	switch {
	case elapsed < o.cfg.TTL:
		return fresh
	case elapsed < o.cfg.TTL*time.Duration(o.cfg.StaleFactor):
		return stale
	default:
		return expired
	}
}

// refreshInBackground starts a refresh unless one for key is already running.
// DoChan's result channel is buffered, so dropping it leaks nothing.
func (o *Oracle) refreshInBackground(key string, fetch func(context.Context) (interface{}, error)) {
	o.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		v, err := fetch(ctx)
		if err != nil {
			o.logger.Warn("background pricing refresh failed", "key", key, "error", err)
		}
		return v, err
	})
}

type listModelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     json.RawMessage `json:"prompt"`
			Completion json.RawMessage `json:"completion"`
		} `json:"pricing"`
		TopProvider struct {
			ContextLength int `json:"context_length"`
		} `json:"top_provider"`
	} `json:"data"`
}

var thousand = decimal.NewFromInt(1000)

func (o *Oracle) refreshPrices(ctx context.Context) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	var parsed listModelsResponse
	if err := o.getJSON(req, &parsed); err != nil {
		return nil, err
	}

	prices := make(map[string]llm.ModelPrice, len(parsed.Data))
	for _, m := range parsed.Data {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			continue
		}
		contextLength := m.ContextLength
		if contextLength <= 0 {
			contextLength = m.TopProvider.ContextLength
		}
		prices[id] = llm.ModelPrice{
			Model:           id,
			PromptPer1K:     parsePerToken(m.Pricing.Prompt).Mul(thousand),
			CompletionPer1K: parsePerToken(m.Pricing.Completion).Mul(thousand),
			ContextLength:   contextLength,
		}
	}

	o.mu.Lock()
	o.prices = cached[map[string]llm.ModelPrice]{value: prices, fetchedAt: o.now(), ok: true}
	o.mu.Unlock()

	o.logger.Debug("price list refreshed", "models", len(prices))
	return prices, nil
}

type exchangeRateResponse struct {
	Rates map[string]json.Number `json:"rates"`
}

func (o *Oracle) refreshRate(ctx context.Context) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.ExchangeRateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build exchange rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var parsed exchangeRateResponse
	if err := o.getJSON(req, &parsed); err != nil {
		return nil, err
	}

	raw, ok := parsed.Rates[o.cfg.Currency]
	if !ok {
		return nil, &domain.UpstreamError{Message: fmt.Sprintf("exchange rate for %s missing from response", o.cfg.Currency)}
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil || !rate.IsPositive() {
		return nil, &domain.UpstreamError{Message: fmt.Sprintf("invalid exchange rate %q for %s", raw, o.cfg.Currency)}
	}

	o.mu.Lock()
	o.rate = cached[decimal.Decimal]{value: rate, fetchedAt: o.now(), ok: true}
	o.mu.Unlock()

	o.logger.Debug("exchange rate refreshed", "currency", o.cfg.Currency, "rate", rate.String())
	return rate, nil
}

func (o *Oracle) getJSON(req *http.Request, out interface{}) error {
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return &domain.UpstreamError{Message: fmt.Sprintf("request %s: %v", req.URL.Path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &domain.UpstreamError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("%s returned %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.UpstreamError{Message: fmt.Sprintf("decode %s: %v", req.URL.Path, err)}
	}
	return nil
}

// parsePerToken accepts prices encoded as JSON strings or numbers.
// Missing, malformed or negative prices are zero.
func parsePerToken(raw json.RawMessage) decimal.Decimal {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return decimal.Zero
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		value = strings.TrimSpace(asString)
	}

	d, err := decimal.NewFromString(value)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}
