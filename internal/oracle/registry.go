package oracle

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/yourorg/stellar-price-engine/internal/cache"
	"github.com/yourorg/stellar-price-engine/internal/model"
)

// ErrUnsupportedAsset marks an asset no configured oracle can price. It is a
// fallback signal, not a failure.
var ErrUnsupportedAsset = errors.New("oracle: asset not supported by any oracle")

// Lister is the slice of the query client the registry needs.
type Lister interface {
	ListAssets(ctx context.Context, oracle model.OracleDescriptor) ([]string, error)
}

// Registry resolves application-level assets to the oracle and identifier
// shape that can price them. Supported-asset lists are fetched lazily and
// cached; concurrent first-time callers share one in-flight fetch.
type Registry struct {
	client     Lister
	cache      *cache.Tiered
	oracles    []model.OracleDescriptor
	passphrase string
	listTTL    time.Duration
}

// NewRegistry creates a registry over the given oracles in priority order.
func NewRegistry(client Lister, c *cache.Tiered, oracles []model.OracleDescriptor, passphrase string, listTTL time.Duration) *Registry {
	return &Registry{
		client:     client,
		cache:      c,
		oracles:    oracles,
		passphrase: passphrase,
		listTTL:    listTTL,
	}
}

// Resolve finds the first oracle, in priority order, that knows the asset and
// returns the identifier it understands. Returns ErrUnsupportedAsset when no
// oracle matches; any other error means the asset lists could not be loaded.
func (r *Registry) Resolve(ctx context.Context, asset model.AssetRef) (model.OracleDescriptor, model.OracleAssetID, error) {
	var lastErr error
	for _, desc := range r.oracles {
		symbols, err := r.supported(ctx, desc)
		if err != nil {
			lastErr = err
			logrus.WithError(err).WithField("oracle", desc.Name).Debug("Skipping oracle with unavailable asset list")
			continue
		}

		// Direct symbol match first: a bare ticker the oracle lists wins
		// over any issuer-derived form. The code is matched verbatim; the
		// native asset's code already is the canonical native symbol, and an
		// issuer-less code like a quote currency must never be rewritten.
		if _, ok := symbols[asset.Code]; ok {
			return desc, model.OtherAssetID(asset.Code), nil
		}

		if asset.Issuer == "" {
			continue
		}
		for _, cand := range CandidateIdentifiers(asset, r.passphrase) {
			if _, ok := symbols[cand]; ok {
				return desc, classifyIdentifier(cand), nil
			}
		}
	}

	if lastErr != nil {
		return model.OracleDescriptor{}, model.OracleAssetID{}, lastErr
	}
	return model.OracleDescriptor{}, model.OracleAssetID{}, ErrUnsupportedAsset
}

// supported returns the cached asset-symbol set for one oracle.
func (r *Registry) supported(ctx context.Context, desc model.OracleDescriptor) (map[string]struct{}, error) {
	key := "oracle:assets:" + desc.ContractID
	v, err := r.cache.GetOrCompute(ctx, key, r.listTTL, func(ctx context.Context) (any, error) {
		return r.client.ListAssets(ctx, desc)
	})
	if err != nil {
		return nil, err
	}
	symbols, ok := cache.AsStrings(v)
	if !ok {
		return nil, fmt.Errorf("unexpected cached asset list shape for oracle %s", desc.Name)
	}
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set, nil
}

// CandidateIdentifiers generates, in match order, the identifier forms an
// issued asset may be listed under across oracles: the literal issuer
// address, the derived asset-contract id, the composite code_issuer and
// code:issuer forms, and the stellar_-prefixed variants of the addresses.
// Pure and network-free; the ordering is part of the resolution contract.
func CandidateIdentifiers(asset model.AssetRef, passphrase string) []string {
	cands := []string{asset.Issuer}
	contractID, err := AssetContractID(asset.Code, asset.Issuer, passphrase)
	if err == nil {
		cands = append(cands, contractID)
	} else {
		logrus.WithError(err).WithField("asset", asset).Debug("Could not derive asset contract id")
	}
	cands = append(cands,
		asset.Code+"_"+asset.Issuer,
		asset.Code+":"+asset.Issuer,
		stellarPrefix+asset.Issuer,
	)
	if contractID != "" {
		cands = append(cands, stellarPrefix+contractID)
	}
	return cands
}

// classifyIdentifier maps a matched candidate string back to the typed
// identifier shape the oracle expects in queries.
func classifyIdentifier(cand string) model.OracleAssetID {
	if strings.HasPrefix(cand, stellarPrefix) {
		return model.StellarAssetID(strings.TrimPrefix(cand, stellarPrefix))
	}
	if len(cand) == 56 && (cand[0] == 'C' || cand[0] == 'G') {
		return model.StellarAssetID(cand)
	}
	return model.OtherAssetID(cand)
}

// AssetContractID derives the deterministic on-chain contract id of an issued
// asset from (code, issuer, network passphrase).
func AssetContractID(code, issuer, passphrase string) (string, error) {
	xdrAsset, err := txnbuild.CreditAsset{Code: code, Issuer: issuer}.ToXDR()
	if err != nil {
		return "", fmt.Errorf("building asset xdr for %s:%s: %w", code, issuer, err)
	}
	preimage := xdr.HashIdPreimage{
		Type: xdr.EnvelopeTypeEnvelopeTypeContractId,
		ContractId: &xdr.HashIdPreimageContractId{
			NetworkId: xdr.Hash(network.ID(passphrase)),
			ContractIdPreimage: xdr.ContractIdPreimage{
				Type:      xdr.ContractIdPreimageTypeContractIdPreimageFromAsset,
				FromAsset: &xdrAsset,
			},
		},
	}
	raw, err := preimage.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshalling contract id preimage: %w", err)
	}
	hash := sha256.Sum256(raw)
	return strkey.Encode(strkey.VersionByteContract, hash[:])
}
