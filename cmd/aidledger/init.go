package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagForce bool

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing config file")
}

const sampleConfig = `version: 1
global:
  db_path: aidledger.db
  log_level: info
ledger:
  rpc_url: ${LEDGER_RPC_URL}
  contract: "0x0000000000000000000000000000000000000000"
  chain_id: 1337
  private_key: ${LEDGER_PRIVATE_KEY}
  submit_timeout: 30s
  start_block: "latest-1000"
waiter:
  confirmations: 2
  workers: 4
  queue_size: 256
  initial_delay: 1s
  max_delay: 30s
  max_wait: 10m
subscriber:
  chunk_size: 2000
  resubscribe_delay: 2s
cache:
  size: 10000
  ttl: 10m
server:
  addr: ":8080"
sinks:
  - id: ops
    type: webhook
    url: ${OPS_WEBHOOK}
notify:
  - id: unconfirmed
    where: ["status == FAILED", "cause == confirmation_timeout"]
    sinks: [ops]
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !flagForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cfgPath, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		return nil
	},
}
