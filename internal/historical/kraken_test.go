package historical

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/stellar-price-engine/internal/cache"
	"github.com/yourorg/stellar-price-engine/internal/gateway"
)

// krakenStub serves AssetPairs and OHLC responses and counts OHLC calls.
type krakenStub struct {
	pairs     map[string]string // name -> altname
	bars      map[string][][2]any
	ohlcCalls int32
}

func (k *krakenStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/0/public/AssetPairs":
			result := map[string]any{}
			for name, alt := range k.pairs {
				result[name] = map[string]any{"altname": alt}
			}
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"error": []string{}, "result": result}))
		case "/0/public/OHLC":
			atomic.AddInt32(&k.ohlcCalls, 1)
			pair := r.URL.Query().Get("pair")
			bars, ok := k.bars[pair]
			if !ok {
				require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"error": []string{"EQuery:Unknown asset pair"}}))
				return
			}
			rows := make([][]any, 0, len(bars))
			for _, b := range bars {
				// [time, open, high, low, close, vwap, volume, count]
				close := fmt.Sprintf("%v", b[1])
				rows = append(rows, []any{b[0], "0", "0", "0", close, "0", "0", 0})
			}
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
				"error":  []string{},
				"result": map[string]any{pair: rows, "last": 123},
			}))
		default:
			http.NotFound(w, r)
		}
	})
}

func newFetcher(srvURL string) *Fetcher {
	return New(srvURL, gateway.New("test", time.Second, 100), cache.New(cache.Options{}), 24*time.Hour)
}

func dayUnix(s string) int64 {
	d, err := time.Parse(dateKey, s)
	if err != nil {
		panic(err)
	}
	return d.Unix()
}

func TestDailyClose_PairDiscoveryAndLookup(t *testing.T) {
	stub := &krakenStub{
		pairs: map[string]string{"XXLMZUSD": "XLMUSD"},
		bars: map[string][][2]any{
			"XXLMZUSD": {
				{dayUnix("2026-08-30"), 0.11},
				{dayUnix("2026-08-31"), 0.12},
			},
		},
	}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	f := newFetcher(srv.URL)
	// Candidates are XLMUSD, XLMZUSD, XXLMZUSD, XXLMUSD; XXLMZUSD is the
	// first one the provider lists under either name... XLMUSD matches the
	// altname first, and the stub answers it under the canonical name.
	stub.bars["XLMUSD"] = stub.bars["XXLMZUSD"]

	v, ok, err := f.DailyClose(context.Background(), "xlm", time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.12, v, 1e-9)
}

func TestDailyClose_UnsupportedAssetIsNoOp(t *testing.T) {
	stub := &krakenStub{pairs: map[string]string{"XXBTZUSD": "XBTUSD"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	f := newFetcher(srv.URL)
	_, ok, err := f.DailyClose(context.Background(), "OBSCURE", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&stub.ohlcCalls), "no OHLC fetch for unsupported assets")
}

func TestDailyClose_MissingDateIsAbsentNotError(t *testing.T) {
	stub := &krakenStub{
		pairs: map[string]string{"EURUSD": "EURUSD"},
		bars:  map[string][][2]any{"EURUSD": {{dayUnix("2026-08-31"), 1.08}}},
	}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	f := newFetcher(srv.URL)
	_, ok, err := f.FiatDailyClose(context.Background(), "EUR", "USD", time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDailyClose_MapIsCachedAcrossCalls(t *testing.T) {
	today := time.Now().UTC()
	stub := &krakenStub{
		pairs: map[string]string{"EURUSD": "EURUSD"},
		bars:  map[string][][2]any{"EURUSD": {{today.Unix(), 1.09}}},
	}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	f := newFetcher(srv.URL)
	for i := 0; i < 4; i++ {
		v, ok, err := f.FiatDailyClose(context.Background(), "EUR", "USD", today)
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, 1.09, v, 1e-9)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.ohlcCalls), "one fetch covers the trailing year")
}

func TestDailyClose_ExpiredMapSeedsRefresh(t *testing.T) {
	stub := &krakenStub{
		pairs: map[string]string{"EURUSD": "EURUSD"},
		bars:  map[string][][2]any{"EURUSD": {{dayUnix("2026-08-31"), 1.08}}},
	}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	// Seed an already-expired rates entry holding a date older than the
	// trailing-year fetch window.
	c := cache.New(cache.Options{})
	c.Set("historical:rates:EURUSD", ratesEntry{
		Rates:     map[string]float64{"2020-05-05": 1.21},
		FetchedAt: dayUnix("2020-05-06"),
	}, -time.Hour)

	f := New(srv.URL, gateway.New("test", time.Second, 100), c, 24*time.Hour)

	// The refetch only covers the trailing year, so the old date must come
	// from the stale map seeding the merge.
	v, ok, err := f.FiatDailyClose(context.Background(), "EUR", "USD", time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1.21, v, 1e-9)

	v, ok, err = f.FiatDailyClose(context.Background(), "EUR", "USD", time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1.08, v, 1e-9)
}

func TestAssetPairCandidates(t *testing.T) {
	assert.Equal(t, []string{"XLMUSD", "XLMZUSD", "XXLMZUSD", "XXLMUSD"}, assetPairCandidates("xlm"))
}

func TestFiatPairCandidates(t *testing.T) {
	assert.Equal(t, []string{"EURUSD", "ZEURZUSD", "EURZUSD"}, fiatPairCandidates("eur", "usd"))
}

func TestProviderErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": []string{"EService:Unavailable"}})
	}))
	defer srv.Close()

	f := newFetcher(srv.URL)
	_, _, err := f.DailyClose(context.Background(), "XLM", time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EService:Unavailable")
}

func TestDecodeRatesEntry_JSONRoundTrip(t *testing.T) {
	orig := ratesEntry{Rates: map[string]float64{"2026-08-31": 0.12}, FetchedAt: 1234}
	raw, err := json.Marshal(orig)
	require.NoError(t, err)
	var generic any
	require.NoError(t, json.Unmarshal(raw, &generic))

	got, ok := decodeRatesEntry(generic)
	require.True(t, ok)
	assert.Equal(t, orig, got)
}
