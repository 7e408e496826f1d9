// Command loom drives the workflow engine: single runs, cascades,
// capability probing, pricing audits, and batch helpers.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsvetkov/loom/internal/caps"
	"github.com/tsvetkov/loom/internal/config"
	"github.com/tsvetkov/loom/internal/pricing"
	"github.com/tsvetkov/loom/internal/receipt"
	"github.com/tsvetkov/loom/internal/remote"
)

var settingsPath string

func main() {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "multi-step workflow engine for the Responses API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&settingsPath, "settings", "settings.json", "settings file (created with defaults when missing)")

	root.AddCommand(
		newRunCmd(),
		newCascadeCmd(),
		newProbeCmd(),
		newAuditCmd(),
		newPricesCmd(),
		newReceiptsCmd(),
		newScanCmd(),
		newBatchCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the collaborators every command wires explicitly.
type app struct {
	settings config.Settings
	log      *zap.Logger
	client   *remote.Client
	receipts *receipt.Store
	prices   *pricing.Table
	caps     *caps.Cache
}

func newApp() (*app, error) {
	settings, err := config.LoadOrCreate(settingsPath)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(settings.Logging.Level)
	if err != nil {
		return nil, err
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	baseURL := os.Getenv("OPENAI_BASE_URL")
	client := remote.NewClient(apiKey, baseURL, settings.RetryPolicy(), log)

	store, err := receipt.Open(settings.ReceiptDBPath, log)
	if err != nil {
		return nil, err
	}
	prices := pricing.NewTable(settings.Pricing.CachePath)
	if err := prices.Load(); err != nil {
		log.Warn("pricing cache load failed", zap.Error(err))
	}
	cache := caps.NewCache(settings.Caps.CachePath)
	if err := cache.Load(); err != nil {
		log.Warn("caps cache load failed", zap.Error(err))
	}
	return &app{
		settings: settings,
		log:      log,
		client:   client,
		receipts: store,
		prices:   prices,
		caps:     cache,
	}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func (a *app) pricingTTL() time.Duration {
	return time.Duration(a.settings.Pricing.CacheTTLHours) * time.Hour
}

func (a *app) capsTTL() time.Duration {
	return time.Duration(a.settings.Caps.TTLHours) * time.Hour
}

// stopFlag turns SIGINT/SIGTERM into the engine's cooperative stop.
func stopFlag() func() bool {
	var stopped atomic.Bool
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		stopped.Store(true)
		signal.Stop(ch)
	}()
	return stopped.Load
}
