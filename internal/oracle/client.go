// Package oracle queries on-chain price oracles through read-only contract
// simulations and resolves application-level assets to the identifiers each
// oracle understands.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/yourorg/stellar-price-engine/internal/gateway"
	"github.com/yourorg/stellar-price-engine/internal/model"
)

// RPCClient executes read-only contract simulations against a Soroban RPC
// endpoint. All calls go through the shared rate-limited gateway.
type RPCClient struct {
	url        string
	source     string
	httpClient *http.Client
	gw         *gateway.Gateway
}

// NewRPCClient creates a client simulating against url with the given funded
// simulation account as the transaction source. The account never signs
// anything; it only satisfies the source-account requirement of a read-only
// call.
func NewRPCClient(url, simulationAccount string, gw *gateway.Gateway) *RPCClient {
	return &RPCClient{
		url:        url,
		source:     simulationAccount,
		httpClient: newRetryClient(),
		gw:         gw,
	}
}

// newRetryClient creates an HTTP client with retry logic.
func newRetryClient() *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil
	return retryClient.StandardClient()
}

// ListAssets fetches the symbols an oracle can price by simulating its
// asset-enumeration entry point. On-chain asset variants are returned with a
// "stellar_" prefix to disambiguate them from bare ticker symbols.
func (c *RPCClient) ListAssets(ctx context.Context, oracle model.OracleDescriptor) ([]string, error) {
	val, err := c.simulate(ctx, oracle.ContractID, "assets", nil)
	if err != nil {
		return nil, fmt.Errorf("listing assets of oracle %s: %w", oracle.Name, err)
	}
	symbols, err := decodeAssetVec(val)
	if err != nil {
		return nil, fmt.Errorf("decoding asset list of oracle %s: %w", oracle.Name, err)
	}
	logrus.WithFields(logrus.Fields{
		"oracle": oracle.Name,
		"assets": len(symbols),
	}).Debug("Fetched oracle asset list")
	return symbols, nil
}

// LastPrice fetches the raw fixed-point last price for one asset. A missing
// price record is not an error: it yields a zero value and a nil error.
func (c *RPCClient) LastPrice(ctx context.Context, oracle model.OracleDescriptor, id model.OracleAssetID) (*big.Int, error) {
	arg, err := encodeAssetID(id)
	if err != nil {
		return nil, fmt.Errorf("encoding asset id %s: %w", id, err)
	}
	val, err := c.simulate(ctx, oracle.ContractID, "lastprice", xdr.ScVec{arg})
	if err != nil {
		return nil, fmt.Errorf("querying last price on oracle %s: %w", oracle.Name, err)
	}
	raw, ok, err := decodePriceRecord(val)
	if err != nil {
		return nil, fmt.Errorf("decoding price record from oracle %s: %w", oracle.Name, err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return raw, nil
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type rpcResponse struct {
	Result struct {
		Error   string `json:"error,omitempty"`
		Results []struct {
			XDR string `json:"xdr"`
		} `json:"results,omitempty"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// simulate builds a one-operation invoke transaction and runs it through the
// RPC server's simulateTransaction method, returning the decoded result value.
// A successful simulation with no result resolves to a void value.
func (c *RPCClient) simulate(ctx context.Context, contractID, fn string, args xdr.ScVec) (xdr.ScVal, error) {
	var void xdr.ScVal

	envelope, err := c.buildEnvelope(contractID, fn, args)
	if err != nil {
		return void, err
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "simulateTransaction",
		Params:  map[string]any{"transaction": envelope},
	})
	if err != nil {
		return void, err
	}

	var decoded rpcResponse
	err = c.gw.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("calling %s: %w", c.url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("rpc status %d: %s", resp.StatusCode, string(raw))
		}
		return json.NewDecoder(resp.Body).Decode(&decoded)
	})
	if err != nil {
		return void, err
	}

	if decoded.Error != nil {
		return void, fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if decoded.Result.Error != "" {
		return void, fmt.Errorf("simulation failed calling %s: %s", fn, decoded.Result.Error)
	}
	if len(decoded.Result.Results) == 0 {
		void.Type = xdr.ScValTypeScvVoid
		return void, nil
	}

	var val xdr.ScVal
	if err := xdr.SafeUnmarshalBase64(decoded.Result.Results[0].XDR, &val); err != nil {
		return void, fmt.Errorf("unmarshalling simulation result: %w", err)
	}
	return val, nil
}

// buildEnvelope assembles the base64 transaction envelope for the simulation.
func (c *RPCClient) buildEnvelope(contractID, fn string, args xdr.ScVec) (string, error) {
	addr, err := contractScAddress(contractID)
	if err != nil {
		return "", err
	}

	invoke := &txnbuild.InvokeHostFunction{
		HostFunction: xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: addr,
				FunctionName:    xdr.ScSymbol(fn),
				Args:            args,
			},
		},
	}

	source := txnbuild.NewSimpleAccount(c.source, 0)
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &source,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{invoke},
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	})
	if err != nil {
		return "", fmt.Errorf("building simulation transaction: %w", err)
	}
	return tx.Base64()
}
