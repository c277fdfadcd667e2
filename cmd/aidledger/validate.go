package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/ledger/evm"
)

const defaultRPCTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping the ledger endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		if _, err := evm.LoadABI(cfg.Ledger.ABIPath); err != nil {
			return fmt.Errorf("validate: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), defaultRPCTimeout)
		defer cancel()

		chainID, head, err := pingLedger(ctx, cfg.Ledger.RPCURL, cfg.Ledger.Contract)
		if err != nil {
			fmt.Fprintf(out, "- ledger: ERROR %v\n", err)
			return fmt.Errorf("validate: ledger unreachable")
		}
		if cfg.Ledger.ChainID != 0 && chainID != cfg.Ledger.ChainID {
			return fmt.Errorf("validate: ledger reports chain id %d, config expects %d", chainID, cfg.Ledger.ChainID)
		}
		fmt.Fprintf(out, "- ledger: chainId %d head %d OK\n", chainID, head)

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

// pingLedger checks the endpoint answers and that the registry contract is
// deployed at the configured address.
func pingLedger(ctx context.Context, url, contract string) (int64, uint64, error) {
	cli, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return 0, 0, fmt.Errorf("dial: %w", err)
	}
	defer cli.Close()

	id, err := cli.ChainID(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("eth_chainId: %w", err)
	}
	head, err := cli.BlockNumber(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	code, err := cli.CodeAt(ctx, common.HexToAddress(contract), nil)
	if err != nil {
		return 0, 0, fmt.Errorf("eth_getCode: %w", err)
	}
	if len(code) == 0 {
		return 0, 0, fmt.Errorf("no contract deployed at %s", contract)
	}
	return id.Int64(), head, nil
}
