package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/engine"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

var (
	flagKind      string
	flagPayload   string
	flagInitiator string
	flagWait      bool
	flagWaitFor   time.Duration
)

func init() {
	submitCmd.Flags().StringVar(&flagKind, "kind", "", "Operation kind (e.g. RecordAdded)")
	submitCmd.Flags().StringVar(&flagPayload, "payload", "{}", "Operation payload as JSON")
	submitCmd.Flags().StringVar(&flagInitiator, "initiator", "", "Local user submitting the operation")
	submitCmd.Flags().BoolVar(&flagWait, "wait", false, "Block until the record is finalized")
	submitCmd.Flags().DurationVar(&flagWaitFor, "wait-timeout", 0, "Give up waiting after this long (0 uses waiter.max_wait)")
	_ = submitCmd.MarkFlagRequired("kind")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one operation to the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		kind, err := record.ParseKind(flagKind)
		if err != nil {
			return err
		}
		payload, err := record.DecodePayload(kind, []byte(flagPayload))
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		client, err := dialLedger(cfg)
		if err != nil {
			return err
		}

		eng, err := engine.New(engine.Options{
			Ledger: client,
			Store:  store,
			Logger: newLogger(cfg),
			Config: engine.ConfigFrom(cfg),
		})
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		res, err := eng.Submit(ctx, kind, payload, flagInitiator)
		if err != nil && res.RecordID == "" {
			return err
		}
		if err != nil || !flagWait {
			if perr := printJSON(cmd, res); perr != nil {
				return perr
			}
			return err
		}

		wait := cfg.Waiter.MaxWait
		if flagWaitFor > 0 {
			wait = flagWaitFor
		}
		wctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		werr := eng.Waiter().AwaitFinalization(wctx, res.RecordID, cfg.Waiter.Confirmations)
		// An expired wait leaves the record PENDING for the next run.
		if werr != nil && wctx.Err() == nil {
			return werr
		}
		ev, err := eng.GetRecord(ctx, res.RecordID)
		if err != nil {
			return err
		}
		return printJSON(cmd, ev)
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
