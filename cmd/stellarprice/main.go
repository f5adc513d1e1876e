// Package main is the entry point for the Stellar price engine, a
// multi-source price resolver for Stellar assets backed by Reflector
// oracles, the Horizon order book and Kraken daily closes.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourorg/stellar-price-engine/internal/model"
)

var fiatQuote string

var rootCmd = &cobra.Command{
	Use:   "stellarprice",
	Short: "Best-effort USD price resolution for Stellar assets",
	Long: `stellarprice resolves USD prices for Stellar assets through a chain of
sources: Reflector oracles first, then the Horizon order book, then Kraken
daily closes, then any stale cached value. A price of 0 means no source
could price the asset.`,
	SilenceUsage: true,
}

var priceCmd = &cobra.Command{
	Use:   "price CODE[:ISSUER]...",
	Short: "Resolve the current USD price for one or more assets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.shutdown()
		for _, arg := range args {
			asset := parseAsset(arg)
			p := eng.resolver.GetPrice(cmd.Context(), asset.Code, asset.Issuer)
			fmt.Printf("%s %s\n", asset.String(), formatPrice(p))
		}
		return nil
	},
}

var orderbookCmd = &cobra.Command{
	Use:   "orderbook CODE:ISSUER",
	Short: "Price an asset from the order book alone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asset := parseAsset(args[0])
		if asset.IsNative() {
			return fmt.Errorf("the native asset has no order book against itself")
		}
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.shutdown()
		p := eng.resolver.GetOrderbookPrice(cmd.Context(), asset.Code, asset.Issuer)
		fmt.Printf("%s %s\n", asset.String(), formatPrice(p))
		return nil
	},
}

var historicalCmd = &cobra.Command{
	Use:   "historical CODE [YYYY-MM-DD]",
	Short: "Look up a daily close price",
	Long: `Looks up the USD daily close for an asset code on a date, defaulting to
today (UTC). With --quote the code is treated as a fiat base currency and the
pair's close is returned instead.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().UTC()
		if len(args) == 2 {
			var err error
			date, err = time.Parse("2006-01-02", args[1])
			if err != nil {
				return fmt.Errorf("invalid date %q: %w", args[1], err)
			}
		}
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.shutdown()

		code := strings.ToUpper(args[0])
		var p float64
		if fiatQuote != "" {
			p = eng.resolver.GetFiatHistoricalRate(cmd.Context(), code, strings.ToUpper(fiatQuote), date)
		} else {
			p = eng.resolver.GetHistoricalRate(cmd.Context(), code, date)
		}
		fmt.Printf("%s %s %s\n", code, date.Format("2006-01-02"), formatPrice(p))
		return nil
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Drop all cached prices, asset lists and historical rates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.shutdown()
		return eng.resolver.ClearPriceCache(cmd.Context())
	},
}

func main() {
	setupLogging()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	historicalCmd.Flags().StringVar(&fiatQuote, "quote", "", "treat CODE as a fiat base and price it against this currency")
	rootCmd.AddCommand(priceCmd, orderbookCmd, historicalCmd, clearCacheCmd)
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.WarnLevel)
	}
}

// parseAsset splits a CODE[:ISSUER] argument. A bare code with no issuer is
// the native asset when it matches the native symbol.
func parseAsset(arg string) model.AssetRef {
	code, issuer, _ := strings.Cut(arg, ":")
	return model.AssetRef{Code: strings.ToUpper(code), Issuer: issuer}
}

func formatPrice(p float64) string {
	if p == 0 {
		return "unavailable"
	}
	return fmt.Sprintf("%.10g", p)
}
