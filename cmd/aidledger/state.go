package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/engine"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/storage"
)

var (
	flagOffline  bool
	flagRewindTo int64
)

func init() {
	stateCmd.Flags().BoolVar(&flagOffline, "offline", false, "Skip querying the ledger head")
	stateCmd.Flags().Int64Var(&flagRewindTo, "rewind-to", -1, "Move the replay cursor back to this block before reporting")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show replay cursor, lag, record counts and unconfirmed records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if flagRewindTo >= 0 {
			if err := rewindCursor(ctx, store, uint64(flagRewindTo)); err != nil {
				return err
			}
			fmt.Fprintf(out, "cursor %s rewound to block %d\n", engine.CursorSource, flagRewindTo)
		}

		height, hash, ok, err := store.GetCursor(ctx, engine.CursorSource)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(out, "cursor %s: block %d %s\n", engine.CursorSource, height, hash)
		} else {
			fmt.Fprintf(out, "cursor %s: not started\n", engine.CursorSource)
		}

		if !flagOffline {
			hctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
			head, err := headNumber(hctx, cfg.Ledger.RPCURL)
			cancel()
			switch {
			case err != nil:
				fmt.Fprintf(out, "ledger head: unavailable (%v)\n", err)
			case head > height:
				fmt.Fprintf(out, "ledger head: %d (lag %d)\n", head, head-height)
			default:
				fmt.Fprintf(out, "ledger head: %d (caught up)\n", head)
			}
		}

		counts, err := store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tRECORDS")
		for _, st := range []record.Status{record.StatusPending, record.StatusConfirmed, record.StatusFailed, record.StatusOffChain} {
			fmt.Fprintf(w, "%s\t%d\n", st, counts[st])
		}
		_ = w.Flush()

		unconfirmed, err := store.List(ctx, record.Filter{
			Status: record.StatusFailed,
			Cause:  record.CauseConfirmationTimeout,
			Limit:  flagLimit,
		})
		if err != nil {
			return err
		}
		if len(unconfirmed) == 0 {
			return nil
		}
		fmt.Fprintf(out, "\nunconfirmed, not refuted (%d):\n", len(unconfirmed))
		printTable(cmd, unconfirmed)
		return nil
	},
}

// rewindCursor sets the replay cursor to height, even below its current
// value. Replay is idempotent, so the next run re-reads from there.
func rewindCursor(ctx context.Context, store *storage.Store, height uint64) error {
	return store.UpsertCursor(ctx, engine.CursorSource, height, "")
}

func headNumber(ctx context.Context, url string) (uint64, error) {
	cli, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer cli.Close()
	return cli.BlockNumber(ctx)
}
