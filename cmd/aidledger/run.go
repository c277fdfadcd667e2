package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/api"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/engine"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/health"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/metrics"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/notify"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/resolver"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/sink"
)

var (
	flagDryRun bool
	flagAddr   string
)

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Evaluate notify rules without sending to sinks")
	runCmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address override (API, /healthz, /metrics)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation engine and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		client, err := dialLedger(cfg)
		if err != nil {
			return err
		}
		if cfg.Ledger.PrivateKey == "" {
			log.Warn("no private key configured; submissions will be rejected")
		} else {
			log.Info("ledger signer ready", "sender", client.Sender().Hex())
		}

		mtr := metrics.Init()

		cache := resolver.New(store, cfg.Cache.Size, cfg.Cache.TTL)
		defer cache.Stop()

		sinks, err := sink.Build(cfg.Sinks)
		if err != nil {
			return err
		}
		dispatcher, err := notify.NewDispatcher(notify.Options{
			Store:   store,
			Rules:   cfg.Notify,
			Sinks:   sinks,
			Logger:  log,
			Metrics: mtr,
			DryRun:  flagDryRun,
		})
		if err != nil {
			return err
		}

		eng, err := engine.New(engine.Options{
			Ledger:   client,
			Store:    store,
			Resolver: cache,
			Notifier: dispatcher,
			Logger:   log,
			Metrics:  mtr,
			Config:   engine.ConfigFrom(cfg),
		})
		if err != nil {
			return err
		}

		checker := health.NewLedgerChecker(client, store, engine.CursorSource)
		router := api.NewRouter(eng, api.Options{
			Health: health.Handler(health.Checker{
				DBPing:  store.Ping,
				RPCPing: checker.Ping,
				Lag:     checker.Lag,
				MaxLag:  cfg.Server.MaxLag,
			}),
			Metrics: metrics.Handler(),
			Logger:  log,
		})
		addr := cfg.Server.Addr
		if flagAddr != "" {
			addr = flagAddr
		}
		srv := api.Serve(addr, router, log)
		log.Info("http server listening", "addr", addr)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return dispatcher.Run(gctx) })
		g.Go(func() error {
			if err := eng.Run(gctx); err != nil {
				return fmt.Errorf("engine: %w", err)
			}
			return nil
		})

		err = g.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("http shutdown", "err", serr)
		}
		if err != nil {
			log.Error("engine stopped with error", "err", err)
			return err
		}
		log.Info("shutdown complete")
		return nil
	},
}
