package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

var (
	flagStatus   string
	flagListKind string
	flagHandle   string
	flagLimit    int
	flagOffset   int
	flagJSON     bool
)

func init() {
	recordsListCmd.Flags().StringVar(&flagStatus, "status", "", "Filter by status (PENDING, CONFIRMED, FAILED, OFFCHAIN)")
	recordsListCmd.Flags().StringVar(&flagListKind, "kind", "", "Filter by kind")
	recordsListCmd.Flags().StringVar(&flagInitiator, "initiator", "", "Filter by initiating user")
	recordsListCmd.Flags().StringVar(&flagHandle, "handle", "", "Filter by ledger transaction handle")
	recordsListCmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum records to show")
	recordsListCmd.Flags().IntVar(&flagOffset, "offset", 0, "Records to skip")
	recordsListCmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON instead of a table")

	recordsCmd.AddCommand(recordsListCmd, recordsGetCmd)
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect locally tracked records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := buildFilter()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		evs, err := store.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, evs)
		}
		printTable(cmd, evs)
		return nil
	},
}

var recordsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(1),
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

		ev, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("record %s: %w", args[0], err)
		}
		return printJSON(cmd, ev)
	},
}

func buildFilter() (record.Filter, error) {
	f := record.Filter{
		InitiatedBy: flagInitiator,
		TxHandle:    flagHandle,
		Limit:       flagLimit,
		Offset:      flagOffset,
	}
	if flagStatus != "" {
		st, err := record.ParseStatus(flagStatus)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if flagListKind != "" {
		k, err := record.ParseKind(flagListKind)
		if err != nil {
			return f, err
		}
		f.Kind = k
	}
	return f, nil
}

func printTable(cmd *cobra.Command, evs []*record.Event) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tORIGIN\tHANDLE\tBLOCK\tDETAIL")
	for _, ev := range evs {
		detail := ""
		if ev.Error != nil {
			detail = string(ev.Error.Cause)
			if ev.Error.Unconfirmed() {
				detail += " (unconfirmed)"
			}
		}
		block := ""
		if ev.ConfirmedAtBlock > 0 {
			block = fmt.Sprint(ev.ConfirmedAtBlock)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ev.ID, ev.Kind, ev.Status, ev.Origin, ev.TxHandle, block, detail)
	}
	_ = w.Flush()
}
