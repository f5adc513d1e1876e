// Package config provides configuration loading and management for the engine.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stellar/go/network"

	"github.com/yourorg/stellar-price-engine/internal/model"
)

// Network selects which chain the engine talks to.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// Config holds all engine configuration.
type Config struct {
	// Which network's oracles, RPC endpoints and passphrase apply
	Network Network

	// Soroban RPC endpoint for contract simulations
	RPCURL string

	// Horizon endpoint for order books and trades
	HorizonURL string

	// Network passphrase used for contract id derivation
	NetworkPassphrase string

	// Funded account used as the source of read-only simulations; never a signer
	SimulationAccount string

	// Oracles in priority order; the first oracle that knows an asset wins
	Oracles []model.OracleDescriptor

	// Base URL of the historical OHLC provider
	KrakenURL string

	// Directory for the persistent cache layer; empty disables persistence
	CachePath string

	// TTLs per data class
	PriceTTL      time.Duration
	AssetListTTL  time.Duration
	HistoricalTTL time.Duration

	// Rate-limit windows
	RPCWindow        time.Duration
	RPCBurst         int
	HistoricalWindow time.Duration
	HistoricalBurst  int

	// Fallback-chain tuning
	OracleAttempts  int
	MaxSpreadPct    float64
	TradeCount      int
	ResolveTimeout  time.Duration
	CacheMaxEntries int

	// OpenTelemetry endpoint for observability; empty disables tracing
	OtelEndpoint string
}

// zeroAccount is the all-zero ed25519 public key, accepted by RPC servers as
// a simulation source when no funded account is configured.
const zeroAccount = "GAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAWHF"

// Load creates a Config from environment variables.
func Load() Config {
	net := Network(strings.ToLower(GetEnvOrDefault("NETWORK", string(NetworkMainnet))))
	if net != NetworkMainnet && net != NetworkTestnet {
		logrus.Warnf("Unknown network %q, using mainnet", net)
		net = NetworkMainnet
	}

	cfg := Config{
		Network:           net,
		SimulationAccount: GetEnvOrDefault("SIMULATION_ACCOUNT", zeroAccount),
		Oracles:           defaultOracles(net),
		KrakenURL:         GetEnvOrDefault("KRAKEN_URL", "https://api.kraken.com"),
		CachePath:         GetEnvOrDefault("CACHE_PATH", ""),
		PriceTTL:          GetEnvAsDuration("PRICE_TTL", 5*time.Minute),
		AssetListTTL:      GetEnvAsDuration("ASSET_LIST_TTL", 24*time.Hour),
		HistoricalTTL:     GetEnvAsDuration("HISTORICAL_TTL", 24*time.Hour),
		RPCWindow:         GetEnvAsDuration("RPC_WINDOW", 10*time.Second),
		RPCBurst:          GetEnvAsInt("RPC_BURST", 50),
		HistoricalWindow:  GetEnvAsDuration("HISTORICAL_WINDOW", 60*time.Second),
		HistoricalBurst:   GetEnvAsInt("HISTORICAL_BURST", 20),
		OracleAttempts:    GetEnvAsInt("ORACLE_ATTEMPTS", 3),
		MaxSpreadPct:      GetEnvAsFloat("MAX_SPREAD_PCT", 10.0),
		TradeCount:        GetEnvAsInt("TRADE_COUNT", 5),
		ResolveTimeout:    GetEnvAsDuration("RESOLVE_TIMEOUT", 25*time.Second),
		CacheMaxEntries:   GetEnvAsInt("CACHE_MAX_ENTRIES", 2048),
		OtelEndpoint:      GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	switch net {
	case NetworkTestnet:
		cfg.RPCURL = GetEnvOrDefault("RPC_URL", "https://soroban-testnet.stellar.org")
		cfg.HorizonURL = GetEnvOrDefault("HORIZON_URL", "https://horizon-testnet.stellar.org")
		cfg.NetworkPassphrase = GetEnvOrDefault("NETWORK_PASSPHRASE", network.TestNetworkPassphrase)
	default:
		cfg.RPCURL = GetEnvOrDefault("RPC_URL", "https://mainnet.sorobanrpc.com")
		cfg.HorizonURL = GetEnvOrDefault("HORIZON_URL", "https://horizon.stellar.org")
		cfg.NetworkPassphrase = GetEnvOrDefault("NETWORK_PASSPHRASE", network.PublicNetworkPassphrase)
	}

	// ORACLES accepts a JSON array of descriptors overriding the built-in
	// list, in priority order.
	if raw := os.Getenv("ORACLES"); raw != "" {
		var oracles []model.OracleDescriptor
		if err := json.Unmarshal([]byte(raw), &oracles); err != nil {
			logrus.Warnf("Invalid ORACLES override: %v, using defaults", err)
		} else if len(oracles) > 0 {
			cfg.Oracles = oracles
		}
	}

	return cfg
}

// defaultOracles returns the built-in oracle priority list for a network:
// the general CEX/DEX oracle first, then the Stellar-specific one, then
// foreign exchange.
func defaultOracles(net Network) []model.OracleDescriptor {
	if net == NetworkTestnet {
		return []model.OracleDescriptor{
			{Name: "external", ContractID: "CAVLP5DH2GJPZMVO7IJY4CVOD5MWEFTJFVPD2YY2FQXOQHRGHK4D6HLP", QuoteCurrency: "USD", Decimals: 14},
			{Name: "stellar", ContractID: "CCYOZJCOPG34LLQQ7N24YXBM7LL62R7ONMZ3G6WZAAYPB5OYKOMJRN63", QuoteCurrency: "USDC", Decimals: 14},
			{Name: "forex", ContractID: "CCSSOHTBL3LEHF5VKHRUDGHQFPWFNSCRTCHSXVVHHFGLXUUIQRYKRYOS", QuoteCurrency: "USD", Decimals: 14},
		}
	}
	return []model.OracleDescriptor{
		{Name: "external", ContractID: "CALI2BYU2JE6WVRUFYTS6MSBNEHGJ35P4AVCZYF3B6QOE3QKOB2PLE6M", QuoteCurrency: "USD", Decimals: 14},
		{Name: "stellar", ContractID: "CAFJZQWSED6YAWZU3GWRTOCNPPCGBN32L7QV43XX5LZLFTK6JLN34DLN", QuoteCurrency: "USDC", Decimals: 14},
		{Name: "forex", ContractID: "CBKGPWGKSKZF52CFHMTRR23TBWTPMRDIYZ4O2P5VS65BMHYH4DXMCJZC", QuoteCurrency: "USD", Decimals: 14},
	}
}

// GetEnv retrieves an environment variable and whether it exists.
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set.
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value.
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value.
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default %v", key, defaultValue)
	}
	return defaultValue
}
