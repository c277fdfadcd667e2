package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/config"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/ledger/evm"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/logging"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/storage"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "aidledger",
		Short: "Ledger-backed reconciliation engine for aid registry operations",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to config file")

	rootCmd.AddCommand(
		versionCmd,
		initCmd,
		validateCmd,
		runCmd,
		submitCmd,
		recordsCmd,
		stateCmd,
		exportCmd,
		identityCmd,
	)
}

// Execute runs the root command tree.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewWithOptions(logging.Options{
		Level: cfg.Global.LogLevel,
		File:  cfg.Global.LogFile,
	})
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Global.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func dialLedger(cfg *config.Config) (*evm.Client, error) {
	cli, err := evm.Dial(evm.Options{
		RPCURL:     cfg.Ledger.RPCURL,
		Contract:   cfg.Ledger.Contract,
		ChainID:    cfg.Ledger.ChainID,
		PrivateKey: cfg.Ledger.PrivateKey,
		ABIPath:    cfg.Ledger.ABIPath,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return cli, nil
}
