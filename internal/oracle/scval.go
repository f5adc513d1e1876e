package oracle

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"

	"github.com/yourorg/stellar-price-engine/internal/model"
)

// stellarPrefix marks on-chain asset variants in a flattened oracle asset
// list, so they never collide with bare ticker symbols.
const stellarPrefix = "stellar_"

func symbolVal(s string) xdr.ScVal {
	sym := xdr.ScSymbol(s)
	return xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: &sym}
}

func vecVal(vals ...xdr.ScVal) xdr.ScVal {
	vec := xdr.ScVec(vals)
	vecPtr := &vec
	return xdr.ScVal{Type: xdr.ScValTypeScvVec, Vec: &vecPtr}
}

// contractScAddress decodes a C... contract address into an ScAddress.
func contractScAddress(contractID string) (xdr.ScAddress, error) {
	raw, err := strkey.Decode(strkey.VersionByteContract, contractID)
	if err != nil {
		return xdr.ScAddress{}, fmt.Errorf("invalid contract id %s: %w", contractID, err)
	}
	var hash xdr.Hash
	copy(hash[:], raw)
	return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeContract, ContractId: &hash}, nil
}

// scAddress encodes any supported on-chain address (contract or account).
func scAddress(address string) (xdr.ScAddress, error) {
	if strings.HasPrefix(address, "C") {
		return contractScAddress(address)
	}
	accountID, err := xdr.AddressToAccountId(address)
	if err != nil {
		return xdr.ScAddress{}, fmt.Errorf("invalid account address %s: %w", address, err)
	}
	return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: &accountID}, nil
}

// addressString renders an ScAddress back to its strkey form.
func addressString(addr xdr.ScAddress) (string, error) {
	switch addr.Type {
	case xdr.ScAddressTypeScAddressTypeContract:
		return strkey.Encode(strkey.VersionByteContract, (*addr.ContractId)[:])
	case xdr.ScAddressTypeScAddressTypeAccount:
		return addr.AccountId.Address(), nil
	default:
		return "", fmt.Errorf("unsupported address type %v", addr.Type)
	}
}

// encodeAssetID renders an oracle asset identifier as the two-armed enum the
// oracle contracts take: Other(Symbol) or Stellar(Address).
func encodeAssetID(id model.OracleAssetID) (xdr.ScVal, error) {
	switch id.Kind {
	case model.KindStellar:
		addr, err := scAddress(id.Value)
		if err != nil {
			return xdr.ScVal{}, err
		}
		return vecVal(symbolVal("Stellar"), xdr.ScVal{Type: xdr.ScValTypeScvAddress, Address: &addr}), nil
	default:
		return vecVal(symbolVal("Other"), symbolVal(id.Value)), nil
	}
}

// decodeAssetVec flattens the oracle's Vec<Asset> result into symbol strings,
// prefixing on-chain variants with "stellar_".
func decodeAssetVec(val xdr.ScVal) ([]string, error) {
	if val.Type == xdr.ScValTypeScvVoid {
		return nil, nil
	}
	if val.Type != xdr.ScValTypeScvVec || val.Vec == nil || *val.Vec == nil {
		return nil, fmt.Errorf("expected vec result, got %v", val.Type)
	}
	symbols := make([]string, 0, len(**val.Vec))
	for _, elem := range **val.Vec {
		if elem.Type != xdr.ScValTypeScvVec || elem.Vec == nil || *elem.Vec == nil || len(**elem.Vec) < 2 {
			return nil, fmt.Errorf("malformed asset entry of type %v", elem.Type)
		}
		arm := **elem.Vec
		if arm[0].Sym == nil {
			return nil, fmt.Errorf("asset entry missing discriminant symbol")
		}
		switch string(*arm[0].Sym) {
		case "Other":
			if arm[1].Sym == nil {
				return nil, fmt.Errorf("Other asset entry missing symbol")
			}
			symbols = append(symbols, string(*arm[1].Sym))
		case "Stellar":
			if arm[1].Address == nil {
				return nil, fmt.Errorf("Stellar asset entry missing address")
			}
			s, err := addressString(*arm[1].Address)
			if err != nil {
				return nil, err
			}
			symbols = append(symbols, stellarPrefix+s)
		default:
			return nil, fmt.Errorf("unknown asset variant %s", *arm[0].Sym)
		}
	}
	return symbols, nil
}

// decodePriceRecord extracts the raw i128 price from an optional price-record
// result. A void result means the oracle has no price: ok is false, err nil.
func decodePriceRecord(val xdr.ScVal) (*big.Int, bool, error) {
	if val.Type == xdr.ScValTypeScvVoid {
		return nil, false, nil
	}
	if val.Type != xdr.ScValTypeScvMap || val.Map == nil || *val.Map == nil {
		return nil, false, fmt.Errorf("expected map result, got %v", val.Type)
	}
	for _, pair := range **val.Map {
		if pair.Key.Sym == nil || string(*pair.Key.Sym) != "price" {
			continue
		}
		if pair.Val.I128 == nil {
			return nil, false, fmt.Errorf("price field is not an i128")
		}
		return int128ToBig(*pair.Val.I128), true, nil
	}
	return nil, false, fmt.Errorf("price record has no price field")
}

func int128ToBig(parts xdr.Int128Parts) *big.Int {
	n := new(big.Int).SetInt64(int64(parts.Hi))
	n.Lsh(n, 64)
	return n.Add(n, new(big.Int).SetUint64(uint64(parts.Lo)))
}
