package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-recon/internal/config"
	"order-recon/internal/core"
	"order-recon/internal/driver"
	"order-recon/internal/events"
	"order-recon/internal/sim"
	"order-recon/internal/stream"
	"order-recon/internal/tracker"
)

func main() {
	var configPath string
	var demoOrders int
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&demoOrders, "demo-orders", 2, "number of paper orders to place at startup")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	log := buildLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trk := tracker.NewTracker(tracker.Config{
		LostOrderCountLimit: cfg.Tracker.LostOrderCountLimit,
		CompletionTolerance: cfg.Tracker.CompletionTolerance.Decimal,
		CacheSize:           cfg.Tracker.CacheSize,
		CacheTTL:            time.Duration(cfg.Tracker.CacheTTLSec) * time.Second,
	}, log, &events.LogPublisher{Log: log})
	defer trk.Close()

	exch := sim.NewPaperExchange(
		time.Duration(cfg.Sim.FillDelaySec)*time.Second,
		cfg.Sim.FeeRate.Decimal,
	)
	dr := driver.New(driver.Config{
		PollInterval:         time.Duration(cfg.Driver.PollIntervalSec) * time.Second,
		MinOrderPollInterval: time.Duration(cfg.Driver.MinOrderPollIntervalSec) * time.Second,
		MinFillPollInterval:  time.Duration(cfg.Driver.MinFillPollIntervalSec) * time.Second,
		PushFreshnessWindow:  time.Duration(cfg.Driver.PushFreshnessWindowSec) * time.Second,
	}, exch, trk, log)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, log)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- dr.Run(ctx)
	}()

	if cfg.Mode == config.ModeStream {
		src := stream.NewWSSource(
			cfg.Stream.WSURL,
			time.Duration(cfg.Stream.KeepaliveSec)*time.Second,
			log,
		)
		disp := stream.NewDispatcher(src, trk, dr, log)
		go func() {
			errCh <- disp.Run(ctx)
		}()
		log.Info().Str("ws_url", cfg.Stream.WSURL).Msg("push stream attached")
	} else if err := placeDemoOrders(ctx, dr, cfg.TradingPair, demoOrders, log); err != nil {
		fatal(err.Error())
	}

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("trading_pair", cfg.TradingPair).
		Msg("recond started")

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		fatal(err.Error())
	}
	log.Info().Msg("recond stopped")
}

func buildLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stderr).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics endpoint failed")
	}
}

// placeDemoOrders seeds the paper venue with a few resting orders so the
// reconciliation loop has something to converge on.
func placeDemoOrders(ctx context.Context, dr *driver.Driver, pair string, n int, log zerolog.Logger) error {
	price := decimal.RequireFromString("30000")
	amount := decimal.RequireFromString("1")
	for i := 0; i < n; i++ {
		side := core.Buy
		if i%2 == 1 {
			side = core.Sell
		}
		req := driver.OrderRequest{
			ClientOrderID: fmt.Sprintf("demo-%d", i+1),
			TradingPair:   pair,
			TradeType:     side,
			OrderType:     core.Limit,
			Price:         price,
			Amount:        amount,
		}
		if _, err := dr.Submit(ctx, req); err != nil {
			return err
		}
		log.Info().
			Str("client_order_id", req.ClientOrderID).
			Str("side", string(side)).
			Msg("demo order placed")
	}
	return nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
