package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/despo33/hyperbot-sub000/params"
	"github.com/despo33/hyperbot-sub000/pkg/exchange"
	"github.com/despo33/hyperbot-sub000/pkg/health"
	"github.com/despo33/hyperbot-sub000/pkg/stream"
	"github.com/despo33/hyperbot-sub000/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/bot.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	client, err := exchange.New(cfg.Exchange, cfg.Trading, sugar)
	if err != nil {
		sugar.Fatalw("exchange_client_init_failed", "err", err)
	}
	if addr, err := client.Address(); err == nil {
		sugar.Infow("signing_identity_loaded", "address", addr.Hex())
	} else {
		sugar.Warnw("read_only_mode", "reason", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Streaming channel ----
	ws := stream.NewClient(cfg.Exchange.StreamURL, sugar)
	ws.RegisterHandler("allMids", func(data json.RawMessage) {
		// Mid-price ticks drive the engine; the core only proves liveness here.
	})
	if err := ws.Connect(ctx); err != nil {
		sugar.Warnw("stream_connect_failed", "err", err)
	} else if err := ws.Subscribe("allMids", ""); err != nil {
		sugar.Warnw("stream_subscribe_failed", "err", err)
	}
	defer ws.Close()

	// ---- Connection health ----
	supervisor := health.NewSupervisor(cfg.Health, client.Ping, health.StreamHooks{
		Heartbeat: ws.Heartbeat,
		Reconnect: ws.Reconnect,
	}, sugar)

	events := supervisor.Subscribe()
	go func() {
		for ev := range events {
			sugar.Infow("connection_event",
				"channel", ev.Channel, "type", ev.Type, "attempt", ev.Attempt, "err", ev.Err)
		}
	}()

	supervisor.Start(ctx)
	defer supervisor.Stop()

	sugar.Infow("execution_core_running",
		"api_url", cfg.Exchange.APIURL, "stream_url", cfg.Exchange.StreamURL, "mainnet", cfg.Exchange.Mainnet)

	<-ctx.Done()
	sugar.Infow("shutting_down")
}
