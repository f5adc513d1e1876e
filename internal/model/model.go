// Package model defines the core data structures for the price engine.
package model

import (
	"fmt"
	"math/big"
	"time"
)

// NativeCode is the canonical symbol for the chain's native currency.
const NativeCode = "XLM"

// AssetRef identifies a priceable asset. An empty Issuer means the chain's
// native currency. Two AssetRefs are equal iff Code and Issuer match exactly.
type AssetRef struct {
	// Code is the asset's ticker symbol, case-sensitive
	Code string `json:"code"`

	// Issuer is the issuing account address; empty for the native currency
	Issuer string `json:"issuer,omitempty"`
}

// NativeAsset returns the AssetRef for the chain's native currency.
func NativeAsset() AssetRef {
	return AssetRef{Code: NativeCode}
}

// IsNative reports whether this asset is the chain's native currency.
func (a AssetRef) IsNative() bool {
	return a.Issuer == ""
}

// String renders the asset as CODE or CODE:ISSUER.
func (a AssetRef) String() string {
	if a.IsNative() {
		return a.Code
	}
	return a.Code + ":" + a.Issuer
}

// CacheKey returns a stable key for cache maps keyed by asset.
func (a AssetRef) CacheKey() string {
	if a.IsNative() {
		return a.Code
	}
	return fmt.Sprintf("%s:%s", a.Code, a.Issuer)
}

// OracleDescriptor describes one configured on-chain price oracle.
type OracleDescriptor struct {
	// Name is a short human-readable identifier used in logs and metrics
	Name string `json:"name"`

	// ContractID is the oracle contract's address
	ContractID string `json:"contract_id"`

	// QuoteCurrency is the currency raw prices are denominated in
	QuoteCurrency string `json:"quote_currency"`

	// Decimals is the fixed-point scale of raw prices from this oracle
	Decimals uint32 `json:"decimals"`
}

// ScalePrice converts a raw fixed-point oracle price into a float:
// price = raw / 10^Decimals.
func (d OracleDescriptor) ScalePrice(raw *big.Int) float64 {
	if raw == nil || raw.Sign() == 0 {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Decimals)), nil)
	f, _ := new(big.Rat).SetFrac(raw, scale).Float64()
	return f
}

// AssetIDKind tags the shape of an oracle-specific asset identifier.
type AssetIDKind int

const (
	// KindOther is a bare ticker symbol known to the oracle
	KindOther AssetIDKind = iota

	// KindStellar is an issuer address or derived contract id
	KindStellar
)

// OracleAssetID is the oracle-specific identifier for an asset, produced by
// the asset registry per (AssetRef, OracleDescriptor) pair.
type OracleAssetID struct {
	Kind  AssetIDKind `json:"kind"`
	Value string      `json:"value"`
}

// OtherAssetID builds an identifier for a bare ticker symbol.
func OtherAssetID(symbol string) OracleAssetID {
	return OracleAssetID{Kind: KindOther, Value: symbol}
}

// StellarAssetID builds an identifier for an on-chain address.
func StellarAssetID(address string) OracleAssetID {
	return OracleAssetID{Kind: KindStellar, Value: address}
}

func (id OracleAssetID) String() string {
	if id.Kind == KindStellar {
		return "stellar:" + id.Value
	}
	return "other:" + id.Value
}

// PriceSource identifies which step of the fallback chain produced a price.
type PriceSource string

const (
	SourceOracle      PriceSource = "oracle"
	SourceOrderbook   PriceSource = "orderbook"
	SourceHistorical  PriceSource = "historical"
	SourceCache       PriceSource = "cache"
	SourceUnavailable PriceSource = "unavailable"
)

// PriceQuote is a transient record of one resolution outcome, used for
// logging and metrics only. It is never persisted.
type PriceQuote struct {
	Asset      AssetRef    `json:"asset"`
	Price      float64     `json:"price"`
	Source     PriceSource `json:"source"`
	ResolvedAt time.Time   `json:"resolved_at"`
}
