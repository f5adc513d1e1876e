// Package resolver orchestrates the price fallback chain: cache, oracle,
// order book, historical close, stale cache, zero. GetPrice never fails; the
// worst case is a zero price meaning "unavailable".
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/stellar-price-engine/internal/cache"
	"github.com/yourorg/stellar-price-engine/internal/model"
	"github.com/yourorg/stellar-price-engine/internal/oracle"
	"github.com/yourorg/stellar-price-engine/internal/orderbook"
	"github.com/yourorg/stellar-price-engine/internal/otel"
)

// errUnavailable marks a resolution where every source failed or had no data.
var errUnavailable = errors.New("resolver: price unavailable from all sources")

// AssetResolver maps an asset to the oracle that can price it.
type AssetResolver interface {
	Resolve(ctx context.Context, asset model.AssetRef) (model.OracleDescriptor, model.OracleAssetID, error)
}

// OracleClient fetches raw last prices from one oracle.
type OracleClient interface {
	LastPrice(ctx context.Context, oracle model.OracleDescriptor, id model.OracleAssetID) (*big.Int, error)
}

// Orderbook estimates prices from the venue's order book.
type Orderbook interface {
	Estimate(ctx context.Context, asset model.AssetRef) (orderbook.Estimate, error)
	LastTradePrice(ctx context.Context, asset model.AssetRef) (float64, error)
}

// Historical supplies last-known daily close prices.
type Historical interface {
	DailyClose(ctx context.Context, code string, date time.Time) (float64, bool, error)
	FiatDailyClose(ctx context.Context, base, quote string, date time.Time) (float64, bool, error)
}

// Options tunes the fallback chain.
type Options struct {
	// PriceTTL is how long a resolved price stays fresh
	PriceTTL time.Duration

	// OracleAttempts bounds retries per selected oracle
	OracleAttempts int

	// MaxSpreadPct switches the order-book estimate from mid-price to the
	// volume-weighted last-trade price
	MaxSpreadPct float64

	// Timeout is the deadline budget for one whole resolution chain
	Timeout time.Duration
}

// Resolver resolves best-effort USD prices for assets.
type Resolver struct {
	cache    *cache.Tiered
	registry AssetResolver
	oracle   OracleClient
	book     Orderbook
	hist     Historical
	opts     Options
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// New wires a resolver. metrics may be nil to disable instrumentation.
func New(c *cache.Tiered, registry AssetResolver, oracleClient OracleClient, book Orderbook, hist Historical, opts Options, metrics *Metrics) *Resolver {
	if opts.PriceTTL <= 0 {
		opts.PriceTTL = 5 * time.Minute
	}
	if opts.OracleAttempts <= 0 {
		opts.OracleAttempts = 3
	}
	if opts.MaxSpreadPct <= 0 {
		opts.MaxSpreadPct = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	return &Resolver{
		cache:    c,
		registry: registry,
		oracle:   oracleClient,
		book:     book,
		hist:     hist,
		opts:     opts,
		metrics:  metrics,
		tracer:   otel.Tracer(),
		now:      time.Now,
	}
}

// GetPrice returns the best-effort USD price for an asset, or 0 when no
// source can price it. It never returns an error; failures degrade through
// the fallback chain. Concurrent calls for the same asset share one
// resolution.
func (r *Resolver) GetPrice(ctx context.Context, code, issuer string) float64 {
	asset := model.AssetRef{Code: code, Issuer: issuer}
	ctx, cancel := r.withBudget(ctx)
	defer cancel()
	defer r.observeCacheSize()

	key := priceKey(asset)
	v, err := r.cache.GetOrCompute(ctx, key, r.opts.PriceTTL, func(ctx context.Context) (any, error) {
		quote := r.resolve(ctx, asset)
		if quote.Source == model.SourceUnavailable {
			return nil, errUnavailable
		}
		return quote.Price, nil
	})
	if err == nil {
		if p, ok := cache.AsFloat64(v); ok {
			return p
		}
	}

	// Everything failed: fall back to a stale cached value of any age.
	if v, ok := r.cache.GetStale(key); ok {
		if p, ok := cache.AsFloat64(v); ok {
			r.count(model.SourceCache)
			logrus.WithField("asset", asset.String()).Debug("Serving stale cached price")
			return p
		}
	}
	r.count(model.SourceUnavailable)
	return 0
}

// GetOrderbookPrice prices an asset from the order book alone, bypassing the
// oracle-first chain. Returns 0 when unavailable.
func (r *Resolver) GetOrderbookPrice(ctx context.Context, code, issuer string) float64 {
	asset := model.AssetRef{Code: code, Issuer: issuer}
	ctx, cancel := r.withBudget(ctx)
	defer cancel()

	key := "obprice:" + asset.CacheKey()
	v, err := r.cache.GetOrCompute(ctx, key, r.opts.PriceTTL, func(ctx context.Context) (any, error) {
		p, err := r.orderbookUSD(ctx, asset)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return 0
	}
	p, _ := cache.AsFloat64(v)
	return p
}

// GetHistoricalRate returns an asset's USD daily close for a date, or 0.
func (r *Resolver) GetHistoricalRate(ctx context.Context, code string, date time.Time) float64 {
	ctx, cancel := r.withBudget(ctx)
	defer cancel()
	v, ok, err := r.hist.DailyClose(ctx, code, date)
	if err != nil || !ok {
		return 0
	}
	return v
}

// GetFiatHistoricalRate returns a fiat pair's daily close for a date, or 0.
func (r *Resolver) GetFiatHistoricalRate(ctx context.Context, base, quote string, date time.Time) float64 {
	ctx, cancel := r.withBudget(ctx)
	defer cancel()
	v, ok, err := r.hist.FiatDailyClose(ctx, base, quote, date)
	if err != nil || !ok {
		return 0
	}
	return v
}

// ClearPriceCache drops all cached price data, in memory and persisted, and
// resets the asset-to-oracle mapping.
func (r *Resolver) ClearPriceCache(ctx context.Context) error {
	if err := r.cache.Clear(); err != nil {
		return fmt.Errorf("clearing price cache: %w", err)
	}
	logrus.Info("Price cache cleared")
	return nil
}

// resolve walks the fallback chain and returns the first successful quote.
func (r *Resolver) resolve(ctx context.Context, asset model.AssetRef) model.PriceQuote {
	ctx, span := r.tracer.Start(ctx, "resolver.resolve")
	defer span.End()

	quote := model.PriceQuote{Asset: asset, Source: model.SourceUnavailable, ResolvedAt: r.now()}

	if p, ok := r.oracleUSD(ctx, asset, true); ok {
		quote.Price, quote.Source = p, model.SourceOracle
	} else if p, err := r.orderbookUSD(ctx, asset); err == nil && p > 0 {
		quote.Price, quote.Source = p, model.SourceOrderbook
	} else if p, ok := r.historicalUSD(ctx, asset); ok {
		quote.Price, quote.Source = p, model.SourceHistorical
	}

	if quote.Source != model.SourceUnavailable {
		r.count(quote.Source)
		logrus.WithFields(logrus.Fields{
			"asset":  asset.String(),
			"price":  quote.Price,
			"source": quote.Source,
		}).Debug("Resolved price")
	}
	return quote
}

// oracleUSD runs the oracle step: registry lookup, bounded retries, decimal
// scaling and at most one hop of quote-currency conversion.
func (r *Resolver) oracleUSD(ctx context.Context, asset model.AssetRef, convertQuote bool) (float64, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	desc, id, err := r.registry.Resolve(ctx, asset)
	if err != nil {
		if !errors.Is(err, oracle.ErrUnsupportedAsset) {
			r.countError("registry")
			logrus.WithError(err).WithField("asset", asset.String()).Debug("Oracle mapping unavailable")
		}
		return 0, false
	}

	for attempt := 0; attempt < r.opts.OracleAttempts; attempt++ {
		raw, err := r.oracle.LastPrice(ctx, desc, id)
		if err != nil {
			r.countError(desc.Name)
			otel.RecordError(ctx, err)
			logrus.WithError(err).WithFields(logrus.Fields{
				"asset":   asset.String(),
				"oracle":  desc.Name,
				"attempt": attempt + 1,
			}).Debug("Oracle price fetch failed")
			continue
		}
		price := desc.ScalePrice(raw)
		if price <= 0 {
			continue
		}
		if desc.QuoteCurrency == "USD" || !convertQuote {
			return price, true
		}
		// One conversion hop: the quote currency is resolved as a plain
		// asset with further conversion disabled.
		quoteUSD, ok := r.oracleUSD(ctx, model.AssetRef{Code: desc.QuoteCurrency}, false)
		if !ok {
			return 0, false
		}
		return price * quoteUSD, true
	}
	return 0, false
}

// orderbookUSD runs the order-book step and converts the native-denominated
// estimate to USD. Native assets are skipped: their order book against
// themselves is meaningless.
func (r *Resolver) orderbookUSD(ctx context.Context, asset model.AssetRef) (float64, error) {
	if asset.IsNative() {
		return 0, errUnavailable
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	est, err := r.book.Estimate(ctx, asset)
	if err != nil {
		if !errors.Is(err, orderbook.ErrNoData) {
			r.countError("orderbook")
		}
		return 0, err
	}
	native := est.MidPrice
	if est.SpreadPercent > r.opts.MaxSpreadPct {
		logrus.WithFields(logrus.Fields{
			"asset":  asset.String(),
			"spread": est.SpreadPercent,
		}).Debug("Spread too wide, using volume-weighted trade price")
		native, err = r.book.LastTradePrice(ctx, asset)
		if err != nil {
			return 0, err
		}
	}
	if native <= 0 {
		return 0, errUnavailable
	}

	// A native-denominated price only becomes USD through XLM's own rate;
	// without it the whole estimate is discarded.
	nativeUSD := r.nativeUSD(ctx)
	if nativeUSD <= 0 {
		return 0, errUnavailable
	}
	return native * nativeUSD, nil
}

// nativeUSD resolves the native currency's USD rate through the cached
// oracle path.
func (r *Resolver) nativeUSD(ctx context.Context) float64 {
	native := model.NativeAsset()
	key := priceKey(native)
	v, err := r.cache.GetOrCompute(ctx, key, r.opts.PriceTTL, func(ctx context.Context) (any, error) {
		p, ok := r.oracleUSD(ctx, native, true)
		if !ok {
			return nil, errUnavailable
		}
		return p, nil
	})
	if err != nil {
		return 0
	}
	p, _ := cache.AsFloat64(v)
	return p
}

// historicalUSD tries today's daily close, then yesterday's in case today's
// bar has not printed yet.
func (r *Resolver) historicalUSD(ctx context.Context, asset model.AssetRef) (float64, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	today := r.now().UTC()
	for _, date := range []time.Time{today, today.AddDate(0, 0, -1)} {
		v, ok, err := r.hist.DailyClose(ctx, asset.Code, date)
		if err != nil {
			r.countError("historical")
			logrus.WithError(err).WithField("asset", asset.String()).Debug("Historical rate fetch failed")
			continue
		}
		if ok && v > 0 {
			return v, true
		}
	}
	return 0, false
}

func (r *Resolver) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}

func (r *Resolver) count(source model.PriceSource) {
	if r.metrics != nil {
		r.metrics.resolutions.WithLabelValues(string(source)).Inc()
	}
}

func (r *Resolver) observeCacheSize() {
	if r.metrics != nil {
		r.metrics.ObserveCacheSize(r.cache.Len())
	}
}

func (r *Resolver) countError(provider string) {
	if r.metrics != nil {
		r.metrics.providerErrors.WithLabelValues(provider).Inc()
	}
}

func priceKey(asset model.AssetRef) string {
	return "price:" + asset.CacheKey()
}
