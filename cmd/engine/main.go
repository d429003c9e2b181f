package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/updownlabs/updown/params"
	"github.com/updownlabs/updown/pkg/api"
	"github.com/updownlabs/updown/pkg/engine"
	"github.com/updownlabs/updown/pkg/escrow"
	"github.com/updownlabs/updown/pkg/ledger"
	"github.com/updownlabs/updown/pkg/oracle"
	"github.com/updownlabs/updown/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Persistence ----
	store, err := engine.NewStore(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	rounds, err := engine.NewRoundStore(store)
	if err != nil {
		sugar.Fatalw("round_store_failed", "err", err)
	}
	orders, err := engine.NewOrderStore(store)
	if err != nil {
		sugar.Fatalw("order_store_failed", "err", err)
	}
	sugar.Infow("state_loaded", "rounds", rounds.Count(), "last_idx", orders.LastIdx())

	// ---- Escrow ----
	house := ledger.New()
	director := escrow.NewDirector(house)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Oracle ----
	// A configured feed URL means live verification against the stream cache;
	// otherwise a static verifier (prices set out of band, dev only).
	var verifier oracle.Verifier
	if cfg.Oracle.FeedURL != "" {
		feed := oracle.NewFeed(cfg.Oracle.FeedURL, cfg.Oracle.StaleAfter, sugar)
		go feed.Run(ctx)
		verifier = feed
	} else {
		sugar.Warn("no oracle feed configured, using static prices")
		verifier = oracle.NewStatic()
	}

	// ---- Engine ----
	operator := common.HexToAddress(cfg.Engine.Operator)
	eng, err := engine.New(engine.Params{
		GenesisTime:     cfg.Engine.GenesisTime,
		IntervalSeconds: cfg.Engine.IntervalSeconds,
		CommissionBps:   cfg.Engine.CommissionBps,
		Operator:        operator,
		Products:        cfg.Engine.Products,
	}, rounds, orders, director, verifier, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	sugar.Infow("engine_starting",
		"interval_seconds", cfg.Engine.IntervalSeconds,
		"genesis_time", cfg.Engine.GenesisTime,
		"commission_bps", cfg.Engine.CommissionBps,
		"operator", operator.Hex(),
		"products", len(cfg.Engine.Products))

	// ---- API Server ----
	apiServer := api.NewServer(eng, sugar)

	// Hook engine events to the websocket stream.
	eng.OnRoundOpened = func(epoch int64) {
		apiServer.BroadcastRound("round_opened", epoch)
	}
	eng.OnRoundClosed = func(epoch int64) {
		apiServer.BroadcastRound("round_closed", epoch)
	}
	eng.OnOrderSettled = func(o *engine.Order, res engine.SettlementResult) {
		apiServer.BroadcastSettlement(o, res)
	}

	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	if !cfg.Node.DriveRounds {
		sugar.Info("round driver disabled, waiting for external keeper")
		<-ctx.Done()
		return
	}

	// ---- Round driver ----
	// Fire OpenAndCloseRound on every interval boundary. A failed transition
	// (stale feed, clock skew) is logged and retried at the next boundary; the
	// engine tolerates skipped boundaries via manual override.
	clock := eng.Clock()
	for {
		now := time.Now().Unix()
		epoch, err := clock.EpochAt(now)
		var wait time.Duration
		if err != nil {
			wait = time.Duration(clock.GenesisTime-now) * time.Second
		} else {
			wait = time.Duration(clock.EpochEnd(epoch)-now) * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		boundary := clock.EpochEnd(epoch)
		if err != nil {
			boundary = clock.GenesisTime
		}
		if err := eng.OpenAndCloseRound(operator, nil, boundary, false); err != nil {
			sugar.Errorw("round_transition_failed", "boundary", boundary, "err", err)
		}
	}
}
