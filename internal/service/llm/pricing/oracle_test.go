package pricing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/capabilities"
	"tollgate/internal/domain"
)

const modelsBody = `{"data":[
	{"id":"test/model","context_length":8000,"pricing":{"prompt":"0.000001","completion":"0.000002"}},
	{"id":"test/numeric","pricing":{"prompt":0.000003,"completion":null},"top_provider":{"context_length":4000}}
]}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newCatalog(t *testing.T) *capabilities.Registry {
	t.Helper()
	r, err := capabilities.NewRegistry()
	require.NoError(t, err)
	return r
}

func TestPrice_ParsesUpstreamList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, modelsBody)
	}))
	defer srv.Close()

	o := NewOracle(Config{BaseURL: srv.URL, APIKey: "secret"}, srv.Client(), newCatalog(t), discardLogger())

	p, err := o.Price(context.Background(), "test/model")
	require.NoError(t, err)
	assert.True(t, p.PromptPer1K.Equal(decimal.RequireFromString("0.001")), p.PromptPer1K.String())
	assert.True(t, p.CompletionPer1K.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, 8000, p.ContextLength)

	p, err = o.Price(context.Background(), "test/numeric")
	require.NoError(t, err)
	assert.True(t, p.PromptPer1K.Equal(decimal.RequireFromString("0.003")))
	assert.True(t, p.CompletionPer1K.IsZero())
	assert.Equal(t, 4000, p.ContextLength)
}

func TestPrice_UnknownModelAndCatalogFallback(t *testing.T) {
	o := NewOracle(Config{}, nil, newCatalog(t), discardLogger())

	p, err := o.Price(context.Background(), "openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, 128000, p.ContextLength)

	_, err = o.Price(context.Background(), "nobody/knows")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = o.Price(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPrice_ConcurrentRefreshCollapses(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		_, _ = io.WriteString(w, modelsBody)
	}))
	defer srv.Close()

	o := NewOracle(Config{BaseURL: srv.URL, TTL: time.Minute}, srv.Client(), nil, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Price(context.Background(), "test/model")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestPrice_ServesStaleWhileRefreshing(t *testing.T) {
	var hits int32
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if failing.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, modelsBody)
	}))
	defer srv.Close()

	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := NewOracle(Config{BaseURL: srv.URL, TTL: time.Minute, StaleFactor: 3}, srv.Client(), nil, discardLogger())
	o.now = c.now

	_, err := o.Price(context.Background(), "test/model")
	require.NoError(t, err)

	// Fresh: no refetch
	c.advance(30 * time.Second)
	_, err = o.Price(context.Background(), "test/model")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// Stale and upstream down: stale value served, background refresh attempted
	failing.Store(true)
	c.advance(time.Minute)
	p, err := o.Price(context.Background(), "test/model")
	require.NoError(t, err)
	assert.Equal(t, "test/model", p.Model)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 2 }, time.Second, 5*time.Millisecond)

	// Expired and upstream down: last known list still served
	c.advance(5 * time.Minute)
	p, err = o.Price(context.Background(), "test/model")
	require.NoError(t, err)
	assert.Equal(t, "test/model", p.Model)
}

func TestExchangeRate(t *testing.T) {
	t.Run("USD is always 1", func(t *testing.T) {
		o := NewOracle(Config{Currency: "usd"}, nil, nil, discardLogger())
		rate, err := o.ExchangeRate(context.Background())
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.NewFromInt(1)))
	})

	t.Run("fixed rate", func(t *testing.T) {
		o := NewOracle(Config{Currency: "JPY", ExchangeRate: decimal.NewFromInt(150)}, nil, nil, discardLogger())
		rate, err := o.ExchangeRate(context.Background())
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.NewFromInt(150)))
	})

	t.Run("missing rate", func(t *testing.T) {
		o := NewOracle(Config{Currency: "JPY"}, nil, nil, discardLogger())
		_, err := o.ExchangeRate(context.Background())
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("fetched rate", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"base":"USD","rates":{"JPY":151.25,"EUR":0.9}}`)
		}))
		defer srv.Close()

		o := NewOracle(Config{Currency: "JPY", ExchangeRateURL: srv.URL}, srv.Client(), nil, discardLogger())
		rate, err := o.ExchangeRate(context.Background())
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.RequireFromString("151.25")))
	})

	t.Run("fetch failure falls back to configured rate", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}))
		defer srv.Close()

		o := NewOracle(Config{Currency: "JPY", ExchangeRateURL: srv.URL, ExchangeRate: decimal.NewFromInt(140)}, srv.Client(), nil, discardLogger())
		rate, err := o.ExchangeRate(context.Background())
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.NewFromInt(140)))
	})
}

func TestQuote_PinsPriceAndRate(t *testing.T) {
	o := NewOracle(Config{Currency: "JPY", ExchangeRate: decimal.NewFromInt(100)}, nil, newCatalog(t), discardLogger())

	q, err := o.Quote(context.Background(), "openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "JPY", q.Currency)
	assert.True(t, q.ExchangeRate.Equal(decimal.NewFromInt(100)))

	// 1000 prompt tokens at 0.0025/1K = 0.0025 USD = 0.25 JPY
	cost := q.CostFor(1000, 0)
	assert.True(t, cost.AmountUSD.Equal(decimal.RequireFromString("0.0025")))
	assert.True(t, cost.AmountLocal.Equal(decimal.RequireFromString("0.25")))
}
