package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gatekeeper/internal/gateway/cli"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Interactively approve or reject pending requests",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withShared(func(ctx context.Context, sc *SharedComponents) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			actor := decideActor
			if actor == "" {
				actor = sc.Config.Gateway.ApproverName()
			}
			console := cli.NewGateway(sc.Manager, actor, os.Stdin, os.Stdout, sc.Logger)
			return console.Start(ctx)
		})
	},
}

func init() {
	reviewCmd.Flags().StringVar(&decideActor, "actor", "", "name recorded as decider (default: gateway.approver)")
}
