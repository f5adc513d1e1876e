// Package orderbook estimates asset prices from the venue's order book: a
// mid-market price with spread, and a volume-weighted recent-trade price for
// when the spread is too wide to trust the mid.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"

	"github.com/yourorg/stellar-price-engine/internal/gateway"
	"github.com/yourorg/stellar-price-engine/internal/model"
)

// ErrNoData marks an order book or trade history too thin to price from.
// It is a fallback signal, not a failure.
var ErrNoData = errors.New("orderbook: no usable market data")

// HorizonClient is the slice of the horizon API the estimator uses.
// *horizonclient.Client satisfies it.
type HorizonClient interface {
	OrderBook(request horizonclient.OrderBookRequest) (hProtocol.OrderBookSummary, error)
	Trades(request horizonclient.TradeRequest) (hProtocol.TradesPage, error)
}

// Estimate is a two-sided order-book price estimate. Prices are denominated
// in the native currency; USD conversion is the resolver's job.
type Estimate struct {
	MidPrice      float64
	SpreadPercent float64
}

// Estimator prices assets against the native currency from horizon market
// data. All requests go through the shared rate-limited gateway.
type Estimator struct {
	horizon    HorizonClient
	gw         *gateway.Gateway
	tradeCount int
}

// New creates an estimator using the most recent tradeCount trades for the
// volume-weighted fallback price.
func New(horizon HorizonClient, gw *gateway.Gateway, tradeCount int) *Estimator {
	return &Estimator{horizon: horizon, gw: gw, tradeCount: tradeCount}
}

// Estimate fetches the asset/native order book and computes the mid-market
// price and bid/ask spread. Returns ErrNoData unless 0 < bid < ask.
func (e *Estimator) Estimate(ctx context.Context, asset model.AssetRef) (Estimate, error) {
	var summary hProtocol.OrderBookSummary
	err := e.gw.Do(ctx, func(context.Context) error {
		var err error
		summary, err = e.horizon.OrderBook(orderBookRequest(asset))
		return err
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("fetching order book for %s: %w", asset, err)
	}

	if len(summary.Bids) == 0 || len(summary.Asks) == 0 {
		return Estimate{}, ErrNoData
	}
	bid, err1 := strconv.ParseFloat(summary.Bids[0].Price, 64)
	ask, err2 := strconv.ParseFloat(summary.Asks[0].Price, 64)
	if err1 != nil || err2 != nil {
		return Estimate{}, fmt.Errorf("parsing order book prices for %s", asset)
	}
	if bid <= 0 || bid >= ask {
		return Estimate{}, ErrNoData
	}

	mid := (bid + ask) / 2
	est := Estimate{
		MidPrice:      mid,
		SpreadPercent: (ask - bid) / mid * 100,
	}
	logrus.WithFields(logrus.Fields{
		"asset":  asset.String(),
		"mid":    est.MidPrice,
		"spread": est.SpreadPercent,
	}).Debug("Order book estimate")
	return est, nil
}

// LastTradePrice computes a volume-weighted average over the most recent
// trades, skipping any trade with non-positive price or volume. Returns
// ErrNoData when no usable volume exists.
func (e *Estimator) LastTradePrice(ctx context.Context, asset model.AssetRef) (float64, error) {
	var page hProtocol.TradesPage
	err := e.gw.Do(ctx, func(context.Context) error {
		var err error
		page, err = e.horizon.Trades(tradeRequest(asset, e.tradeCount))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fetching trades for %s: %w", asset, err)
	}

	var weighted, volume float64
	for _, trade := range page.Embedded.Records {
		base, err1 := strconv.ParseFloat(trade.BaseAmount, 64)
		counter, err2 := strconv.ParseFloat(trade.CounterAmount, 64)
		if err1 != nil || err2 != nil || base <= 0 || counter <= 0 {
			continue
		}
		price := counter / base
		weighted += price * base
		volume += base
	}
	if volume == 0 {
		return 0, ErrNoData
	}
	return weighted / volume, nil
}

func orderBookRequest(asset model.AssetRef) horizonclient.OrderBookRequest {
	return horizonclient.OrderBookRequest{
		SellingAssetType:   assetType(asset.Code),
		SellingAssetCode:   asset.Code,
		SellingAssetIssuer: asset.Issuer,
		BuyingAssetType:    horizonclient.AssetTypeNative,
		Limit:              1,
	}
}

func tradeRequest(asset model.AssetRef, limit int) horizonclient.TradeRequest {
	return horizonclient.TradeRequest{
		BaseAssetType:    assetType(asset.Code),
		BaseAssetCode:    asset.Code,
		BaseAssetIssuer:  asset.Issuer,
		CounterAssetType: horizonclient.AssetTypeNative,
		Order:            horizonclient.OrderDesc,
		Limit:            uint(limit),
	}
}

func assetType(code string) horizonclient.AssetType {
	if len(code) <= 4 {
		return horizonclient.AssetType4
	}
	return horizonclient.AssetType12
}
