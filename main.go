package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trendict/config"
	"trendict/internal/candle"
	"trendict/internal/channel"
	"trendict/internal/indices"
	"trendict/internal/predict"
	"trendict/internal/quote"
	"trendict/internal/session"
	"trendict/internal/store"
	"trendict/logger"
	"trendict/models"
	"trendict/processor"
	"trendict/reader/kis"
	"trendict/server"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.ResolveConfigPath(""), "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Trendict.Name,
		"version": cfg.Trendict.Version,
	}).Info("starting trendict")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	clock, err := buildClock(cfg)
	if err != nil {
		log.WithError(err).Error("failed to build session clock")
		os.Exit(1)
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	var kv store.KV
	var sqliteKV *store.SQLiteKV
	if cfg.Storage.SQLitePath != "" {
		sqliteKV, err = store.NewSQLiteKV(cfg.Storage.SQLitePath)
		if err != nil {
			log.WithError(err).Error("failed to open sqlite store")
			os.Exit(1)
		}
		defer sqliteKV.Close()
		kv = sqliteKV
	} else {
		log.WithComponent("main").Warn("no sqlite path configured, candles will not survive restarts")
		kv = store.NewMemoryKV()
	}

	sessionStore := store.NewSessionStore(kv)
	if err := sessionStore.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start session store")
		os.Exit(1)
	}

	hub := server.NewHub()

	aggregator := candle.NewAggregator(
		cfg.Market.Symbol, cfg.Market.BucketWidth, clock, sessionStore, channels.Ticks,
		candle.WithOnUpdate(func(symbol string, c models.Candle) {
			hub.Broadcast(map[string]interface{}{
				"type":   "candle",
				"symbol": symbol,
				"candle": c,
			})
		}),
	)

	reconciler := indices.NewReconciler(kv, channels.Indices,
		indices.WithOnUpdate(func(board []models.IndexSnapshot) {
			hub.Broadcast(map[string]interface{}{
				"type":    "indices",
				"indices": board,
			})
		}),
	)

	dispatcher := processor.NewDispatcher(cfg, channels)

	auth := kis.NewAuth(cfg)
	streamReader := kis.NewReader(cfg, auth, channels)
	quoteClient := quote.NewClient(cfg, auth)

	var poller *quote.Poller
	if cfg.Poller.Enabled {
		var recorder quote.SnapshotRecorder
		if sqliteKV != nil {
			recorder = sqliteKV
		}
		poller = quote.NewPoller(cfg, quoteClient, clock, recorder,
			quote.WithSnapshotFunc(func(snap models.QuoteSnapshot) {
				hub.Broadcast(map[string]interface{}{
					"type":  "quote",
					"quote": snap,
				})
			}),
		)
	} else {
		log.WithComponent("main").Info("quote poller disabled")
	}

	predictor := predict.NewSimulator(cfg.Prediction.Delay)
	srv := server.NewServer(cfg, clock, aggregator, reconciler, quoteClient, predictor, hub)

	if err := aggregator.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start aggregator")
		os.Exit(1)
	}
	if err := reconciler.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start reconciler")
		os.Exit(1)
	}
	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}
	if err := streamReader.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream reader")
		os.Exit(1)
	}
	if poller != nil {
		if err := poller.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start quote poller")
			os.Exit(1)
		}
	}
	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start http server")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("stopping http server")
	srv.Stop(shutdownCtx)

	if poller != nil {
		log.Info("stopping quote poller")
		poller.Stop()
	}

	log.Info("stopping stream reader")
	cancel()
	streamReader.Stop()

	log.Info("stopping dispatcher")
	dispatcher.Stop()

	log.Info("stopping reconciler")
	reconciler.Stop()

	log.Info("stopping aggregator")
	aggregator.Stop()

	log.Info("stopping session store")
	sessionStore.Stop()

	log.Info("trendict stopped")
}

func buildClock(cfg *config.Config) (*session.Clock, error) {
	openHour, openMin, err := config.ParseClock(cfg.Market.SessionOpen)
	if err != nil {
		return nil, err
	}
	closeHour, closeMin, err := config.ParseClock(cfg.Market.SessionClose)
	if err != nil {
		return nil, err
	}

	opts := []session.Option{
		session.WithWindow(openHour, openMin, closeHour, closeMin),
	}
	if cfg.Market.WeekdaysOnly {
		opts = append(opts, session.WithCalendar(session.Weekdays))
	}
	return session.NewClock(cfg.Market.Timezone, opts...)
}
