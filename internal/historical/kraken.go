// Package historical fetches and caches daily close prices from an external
// OHLC provider, for asset-to-USD and fiat-to-fiat conversions. Trading-pair
// names are discovered from the provider's own pair list rather than assumed.
package historical

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/yourorg/stellar-price-engine/internal/cache"
	"github.com/yourorg/stellar-price-engine/internal/gateway"
)

// dateKey is the UTC date format under which daily closes are stored.
const dateKey = "2006-01-02"

// ratesEntry is one pair's daily-close map plus when it was last refreshed.
// It survives the persistent layer's JSON round-trip.
type ratesEntry struct {
	Rates     map[string]float64 `json:"rates"`
	FetchedAt int64              `json:"fetched_at"`
}

// Fetcher retrieves daily OHLC bars from a Kraken-compatible REST API.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	gw         *gateway.Gateway
	cache      *cache.Tiered
	limiter    *rate.Limiter
	flight     singleflight.Group

	pairsTTL time.Duration
	now      func() time.Time
}

// New creates a fetcher against baseURL. The gateway bounds bursts; the
// limiter paces steady-state calls to the provider's public quota.
func New(baseURL string, gw *gateway.Gateway, c *cache.Tiered, pairsTTL time.Duration) *Fetcher {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil

	return &Fetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: retryClient.StandardClient(),
		gw:         gw,
		cache:      c,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		pairsTTL:   pairsTTL,
		now:        time.Now,
	}
}

// DailyClose returns the asset's USD close for the given UTC date. ok is
// false when the provider does not trade the asset or has no bar for that
// date; neither is an error.
func (f *Fetcher) DailyClose(ctx context.Context, code string, date time.Time) (float64, bool, error) {
	return f.close(ctx, assetPairCandidates(code), date)
}

// FiatDailyClose is the fiat-to-fiat parallel of DailyClose, keyed by a
// currency pair instead of an asset.
func (f *Fetcher) FiatDailyClose(ctx context.Context, base, quote string, date time.Time) (float64, bool, error) {
	return f.close(ctx, fiatPairCandidates(base, quote), date)
}

func (f *Fetcher) close(ctx context.Context, candidates []string, date time.Time) (float64, bool, error) {
	pair, ok, err := f.findPair(ctx, candidates)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	rates, err := f.rates(ctx, pair)
	if err != nil {
		return 0, false, err
	}
	v, ok := rates[date.UTC().Format(dateKey)]
	return v, ok, nil
}

// findPair returns the first candidate the provider actually trades.
func (f *Fetcher) findPair(ctx context.Context, candidates []string) (string, bool, error) {
	supported, err := f.supportedPairs(ctx)
	if err != nil {
		return "", false, err
	}
	for _, cand := range candidates {
		if _, ok := supported[cand]; ok {
			return cand, true, nil
		}
	}
	return "", false, nil
}

// supportedPairs fetches and caches the provider's tradable-pair list,
// indexing both primary names and altnames.
func (f *Fetcher) supportedPairs(ctx context.Context) (map[string]struct{}, error) {
	v, err := f.cache.GetOrCompute(ctx, "historical:pairs", f.pairsTTL, func(ctx context.Context) (any, error) {
		body, err := f.get(ctx, "/0/public/AssetPairs", nil)
		if err != nil {
			return nil, err
		}
		var names []string
		gjson.GetBytes(body, "result").ForEach(func(key, value gjson.Result) bool {
			names = append(names, key.String())
			if alt := value.Get("altname").String(); alt != "" {
				names = append(names, alt)
			}
			return true
		})
		if len(names) == 0 {
			return nil, fmt.Errorf("provider returned no trading pairs")
		}
		logrus.WithField("pairs", len(names)).Debug("Fetched tradable pair list")
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	names, ok := cache.AsStrings(v)
	if !ok {
		return nil, fmt.Errorf("unexpected cached pair list shape")
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set, nil
}

// rates returns the daily-close map for one pair, refreshing it when it is
// older than a day or missing today's bar. Concurrent refreshes of the same
// pair share one fetch.
func (f *Fetcher) rates(ctx context.Context, pair string) (map[string]float64, error) {
	key := "historical:rates:" + pair
	now := f.now()
	today := now.UTC().Format(dateKey)

	if v, ok := f.cache.Get(key); ok {
		if e, ok := decodeRatesEntry(v); ok {
			_, hasToday := e.Rates[today]
			fresh := now.Sub(time.Unix(e.FetchedAt, 0)) < 24*time.Hour
			if fresh && hasToday {
				return e.Rates, nil
			}
			if fresh {
				// Map is recent but today's bar is missing: refetch, but
				// tolerate failure by serving what we have.
				if refreshed, err := f.refresh(ctx, pair, e.Rates); err == nil {
					return refreshed, nil
				}
				return e.Rates, nil
			}
			refreshed, err := f.refresh(ctx, pair, e.Rates)
			if err != nil {
				logrus.WithError(err).WithField("pair", pair).Warn("Daily rate refresh failed, serving cached map")
				return e.Rates, nil
			}
			return refreshed, nil
		}
	}

	// Past its year-long TTL the entry misses on Get, but any stale copy
	// still seeds the merge so recorded dates survive the TTL edge.
	var prior map[string]float64
	if v, ok := f.cache.GetStale(key); ok {
		if e, ok := decodeRatesEntry(v); ok {
			prior = e.Rates
		}
	}
	return f.refresh(ctx, pair, prior)
}

// refresh fetches the trailing 12 months of daily bars and merges them over
// prior, with later fetches authoritative per date.
func (f *Fetcher) refresh(ctx context.Context, pair string, prior map[string]float64) (map[string]float64, error) {
	v, err, _ := f.flight.Do("refresh:"+pair, func() (any, error) {
		fetched, err := f.fetchOHLC(ctx, pair)
		if err != nil {
			return nil, err
		}
		merged := make(map[string]float64, len(prior)+len(fetched))
		for k, v := range prior {
			merged[k] = v
		}
		for k, v := range fetched {
			merged[k] = v
		}
		f.cache.Set("historical:rates:"+pair, ratesEntry{
			Rates:     merged,
			FetchedAt: f.now().Unix(),
		}, 365*24*time.Hour)
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	rates, _ := v.(map[string]float64)
	return rates, nil
}

// fetchOHLC requests daily bars for the trailing year in one call.
func (f *Fetcher) fetchOHLC(ctx context.Context, pair string) (map[string]float64, error) {
	since := f.now().AddDate(-1, 0, 0).Unix()
	body, err := f.get(ctx, "/0/public/OHLC", url.Values{
		"pair":     {pair},
		"interval": {"1440"},
		"since":    {fmt.Sprintf("%d", since)},
	})
	if err != nil {
		return nil, err
	}

	rates := make(map[string]float64)
	gjson.GetBytes(body, "result").ForEach(func(key, value gjson.Result) bool {
		// The result is keyed by the provider's canonical pair name, which
		// may differ from the requested altname; "last" is a cursor.
		if key.String() == "last" || !value.IsArray() {
			return true
		}
		for _, bar := range value.Array() {
			cols := bar.Array()
			if len(cols) < 5 {
				continue
			}
			day := time.Unix(cols[0].Int(), 0).UTC().Format(dateKey)
			rates[day] = cols[4].Float()
		}
		return true
	})
	if len(rates) == 0 {
		return nil, fmt.Errorf("no OHLC bars returned for %s", pair)
	}
	logrus.WithFields(logrus.Fields{"pair": pair, "days": len(rates)}).Debug("Fetched daily closes")
	return rates, nil
}

// get performs one rate-limited GET and checks the provider's error array.
func (f *Fetcher) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var body []byte
	err := f.gw.Do(ctx, func(ctx context.Context) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		u := f.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("provider status %d: %s", resp.StatusCode, string(raw))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if errs := gjson.GetBytes(body, "error").Array(); len(errs) > 0 {
		return nil, fmt.Errorf("provider error: %s", errs[0].String())
	}
	return body, nil
}

// assetPairCandidates generates the pair names an asset may trade under, in
// preference order, following the provider's X/Z prefixing conventions.
func assetPairCandidates(code string) []string {
	c := strings.ToUpper(code)
	return []string{
		c + "USD",
		c + "ZUSD",
		"X" + c + "ZUSD",
		"X" + c + "USD",
	}
}

// fiatPairCandidates is the fiat-to-fiat parallel of assetPairCandidates.
func fiatPairCandidates(base, quote string) []string {
	b, q := strings.ToUpper(base), strings.ToUpper(quote)
	return []string{
		b + q,
		"Z" + b + "Z" + q,
		b + "Z" + q,
	}
}

// decodeRatesEntry accepts both the typed entry and its JSON round-tripped
// shape from the persistent layer.
func decodeRatesEntry(v any) (ratesEntry, bool) {
	switch e := v.(type) {
	case ratesEntry:
		return e, true
	case map[string]any:
		rates, ok := cache.AsStringFloatMap(e["rates"])
		if !ok {
			return ratesEntry{}, false
		}
		fetchedAt, ok := cache.AsFloat64(e["fetched_at"])
		if !ok {
			return ratesEntry{}, false
		}
		return ratesEntry{Rates: rates, FetchedAt: int64(fetchedAt)}, true
	default:
		return ratesEntry{}, false
	}
}
