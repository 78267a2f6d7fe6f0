package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gatekeeper/internal/audit"
)

var (
	tailCount int
	tailJSON  bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and archive the audit log",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent audit entries, newest first",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withShared(func(_ context.Context, sc *SharedComponents) error {
			entries, err := sc.Audit.RecentEntries(tailCount)
			if err != nil {
				return err
			}
			return printEntries(entries)
		})
	},
}

var auditArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive partitions older than the retention horizon now",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withShared(func(ctx context.Context, sc *SharedComponents) error {
			archiver, err := buildArchiver(ctx, sc.Config, sc, sc.Logger)
			if err != nil {
				return err
			}
			archived, err := archiver.Run(ctx)
			for _, key := range archived {
				fmt.Println(key)
			}
			return err
		})
	},
}

var auditReadCmd = &cobra.Command{
	Use:   "read <archive>",
	Short: "Print the entries of a compressed archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		entries, err := audit.ReadArchive(args[0])
		if err != nil {
			return err
		}
		return printEntries(entries)
	},
}

func init() {
	auditTailCmd.Flags().IntVarP(&tailCount, "lines", "n", 20, "number of entries")
	for _, c := range []*cobra.Command{auditTailCmd, auditReadCmd} {
		c.Flags().BoolVar(&tailJSON, "json", false, "print entries as JSON lines")
	}
	auditCmd.AddCommand(auditTailCmd, auditArchiveCmd, auditReadCmd)
}

func printEntries(entries []audit.Entry) error {
	if tailJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tAPPROVAL\tACTOR\tRESULT\tCODE\tTOOL\tATTEMPT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.Timestamp.Format(time.RFC3339), e.Event, e.ApprovalRequestID, e.Actor,
			e.Result, e.ErrorCode, e.ToolRef, e.Attempt)
	}
	return w.Flush()
}
