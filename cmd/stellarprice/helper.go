package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/clients/horizonclient"

	"github.com/yourorg/stellar-price-engine/internal/cache"
	"github.com/yourorg/stellar-price-engine/internal/config"
	"github.com/yourorg/stellar-price-engine/internal/gateway"
	"github.com/yourorg/stellar-price-engine/internal/historical"
	"github.com/yourorg/stellar-price-engine/internal/oracle"
	"github.com/yourorg/stellar-price-engine/internal/orderbook"
	"github.com/yourorg/stellar-price-engine/internal/otel"
	"github.com/yourorg/stellar-price-engine/internal/resolver"
)

// engine bundles the wired resolver with everything that needs explicit
// teardown.
type engine struct {
	cfg      config.Config
	resolver *resolver.Resolver
	shutdown func()
}

// newEngine loads configuration from the environment and wires the full
// resolution stack: rate-limit gateways, the tiered cache, the oracle
// registry, the Horizon order-book estimator and the Kraken fetcher.
func newEngine() (*engine, error) {
	cfg := config.Load()
	logrus.WithFields(logrus.Fields{
		"network": cfg.Network,
		"rpc":     cfg.RPCURL,
		"horizon": cfg.HorizonURL,
	}).Debug("Configuration loaded")

	stopTracer := otel.InitTracer(cfg.OtelEndpoint)

	var store cache.Store
	if cfg.CachePath != "" {
		s, err := cache.OpenLevelDB(cfg.CachePath)
		if err != nil {
			return nil, fmt.Errorf("opening price cache at %s: %w", cfg.CachePath, err)
		}
		store = s
	}
	priceCache := cache.New(cache.Options{Store: store, MaxEntries: cfg.CacheMaxEntries})

	rpcGW := gateway.New("soroban-rpc", cfg.RPCWindow, cfg.RPCBurst)
	horizonGW := gateway.New("horizon", cfg.RPCWindow, cfg.RPCBurst)
	krakenGW := gateway.New("kraken", cfg.HistoricalWindow, cfg.HistoricalBurst)

	rpc := oracle.NewRPCClient(cfg.RPCURL, cfg.SimulationAccount, rpcGW)
	registry := oracle.NewRegistry(rpc, priceCache, cfg.Oracles, cfg.NetworkPassphrase, cfg.AssetListTTL)

	horizon := &horizonclient.Client{
		HorizonURL: cfg.HorizonURL,
		HTTP:       newHTTPClient(),
	}
	book := orderbook.New(horizon, horizonGW, cfg.TradeCount)
	hist := historical.New(cfg.KrakenURL, krakenGW, priceCache, cfg.HistoricalTTL)

	res := resolver.New(priceCache, registry, rpc, book, hist, resolver.Options{
		PriceTTL:       cfg.PriceTTL,
		OracleAttempts: cfg.OracleAttempts,
		MaxSpreadPct:   cfg.MaxSpreadPct,
		Timeout:        cfg.ResolveTimeout,
	}, registerMetricsOnce())

	shutdown := func() {
		stopTracer()
		if store != nil {
			if err := store.Close(); err != nil {
				logrus.WithError(err).Warn("Closing price cache failed")
			}
		}
	}
	return &engine{cfg: cfg, resolver: res, shutdown: shutdown}, nil
}

var metricsOnce sync.Once
var sharedMetrics *resolver.Metrics

// registerMetricsOnce guards against double registration on the default
// Prometheus registry when newEngine runs more than once in a process.
func registerMetricsOnce() *resolver.Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = resolver.RegisterMetrics(nil)
	})
	return sharedMetrics
}

// newHTTPClient builds the retrying HTTP client shared with Horizon.
func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.Logger = nil
	return rc.StandardClient()
}
