package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

var (
	flagFormat string
	flagOut    string
)

func init() {
	exportCmd.Flags().StringVar(&flagFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().StringVarP(&flagOut, "out", "o", "", "Write to file instead of stdout")
	exportCmd.Flags().StringVar(&flagStatus, "status", "", "Only export records with this status")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export tracked records as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagFormat != "json" && flagFormat != "csv" {
			return fmt.Errorf("unsupported format %q", flagFormat)
		}
		f := record.Filter{Limit: 1000}
		if flagStatus != "" {
			st, err := record.ParseStatus(flagStatus)
			if err != nil {
				return err
			}
			f.Status = st
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

		var all []*record.Event
		for {
			page, err := store.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			all = append(all, page...)
			if len(page) < f.Limit {
				break
			}
			f.Offset += len(page)
		}

		var out io.Writer = cmd.OutOrStdout()
		if flagOut != "" {
			file, err := os.Create(flagOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", flagOut, err)
			}
			defer file.Close()
			out = file
		}

		if flagFormat == "csv" {
			return writeCSV(out, all)
		}
		cmd.SetOut(out)
		return printJSON(cmd, all)
	},
}

func writeCSV(out io.Writer, evs []*record.Event) error {
	w := csv.NewWriter(out)
	header := []string{"id", "kind", "status", "origin", "tx_handle", "initiated_by",
		"confirmed_block", "resource_used", "error_cause", "error_message", "created_at", "updated_at"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, ev := range evs {
		var cause, msg string
		if ev.Error != nil {
			cause, msg = string(ev.Error.Cause), ev.Error.Message
		}
		row := []string{
			ev.ID, string(ev.Kind), string(ev.Status), string(ev.Origin), ev.TxHandle, ev.InitiatedBy,
			strconv.FormatUint(ev.ConfirmedAtBlock, 10), strconv.FormatUint(ev.ResourceUsed, 10),
			cause, msg, ev.CreatedAt.UTC().Format(time.RFC3339), ev.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
