package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gatekeeper/internal/health"
)

var healthProbe bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show endpoint health",
	Long: `Show the last persisted status of every tool endpoint. With --probe,
every configured adapter is checked now and the fresh result is printed and
persisted.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&healthProbe, "probe", false, "probe every configured adapter now")
}

func runHealth(_ *cobra.Command, _ []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		var statuses []health.EndpointStatus
		if healthProbe {
			reg, closeAdapters, err := buildAdapters(sc.Config, sc.Obs, sc.Logger)
			if err != nil {
				return err
			}
			defer closeAdapters()
			cfg := sc.Config.Health
			mon := health.NewMonitor(reg, health.Thresholds{
				DegradedAfter: cfg.DegradedAfter(),
				DownAfter:     cfg.DownAfter(),
				RecoverAfter:  cfg.RecoverAfter(),
			}, sc.Logger, health.WithStore(sc.SQL.Endpoints()), health.WithProbeTimeout(cfg.ProbeTimeout()))
			if err := mon.Restore(ctx); err != nil {
				return err
			}
			mon.CheckAll(ctx)
			statuses = mon.Snapshot()
		} else {
			var err error
			statuses, err = sc.SQL.Endpoints().LoadStatuses(ctx)
			if err != nil {
				return err
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDOMAIN\tSTATUS\tFAILURES\tLAST SUCCESS\tLAST ERROR")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				s.Name, s.Domain, s.Status, s.ConsecutiveFailures, formatTime(s.LastSuccessAt), s.LastError)
		}
		return w.Flush()
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
