package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gatekeeper/internal/approval"
)

var (
	submitIn     approval.SubmitInput
	submitParams map[string]string
	submitJSON   string
	submitTTL    time.Duration
	rejectReason string
	decideActor  string
	listStatus   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an action for approval",
	Args:  cobra.NoArgs,
	RunE:  runSubmit,
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runDecide(args[0], true, "")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runDecide(args[0], false, rejectReason)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests in one state",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a request in its record format",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitIn.ID, "id", "", "request id (default: generated)")
	f.StringVar(&submitIn.ActionType, "action", "", "action type, e.g. message_send")
	f.StringVar(&submitIn.Target, "target", "", "action target, e.g. a recipient or account")
	f.StringVar(&submitIn.ToolRef, "tool", "", "adapter that executes the action")
	f.StringVar(&submitIn.RiskLevel, "risk", "medium", "risk level (low, medium, high)")
	f.StringVar(&submitIn.Domain, "domain", "", "domain (default: classified)")
	f.StringVar(&submitIn.Source, "source", "cli", "producer name")
	f.StringToStringVar(&submitParams, "param", nil, "string parameter key=value (repeatable)")
	f.StringVar(&submitJSON, "params-json", "", "parameters as a JSON object; merged under --param")
	f.DurationVar(&submitTTL, "ttl", 0, "decision window (default: approval.ttl_seconds)")
	_ = submitCmd.MarkFlagRequired("action")
	_ = submitCmd.MarkFlagRequired("target")
	_ = submitCmd.MarkFlagRequired("tool")

	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&decideActor, "actor", "", "name recorded as decider (default: gateway.approver)")
	}
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "reason recorded with the rejection")
	listCmd.Flags().StringVar(&listStatus, "status", string(approval.StatusPending), "state to list")
}

// withShared loads config and shared components for a one-shot command.
func withShared(fn func(ctx context.Context, sc *SharedComponents) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := context.Background()
	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	return fn(ctx, sc)
}

func runSubmit(_ *cobra.Command, _ []string) error {
	params := map[string]any{}
	if submitJSON != "" {
		if err := json.Unmarshal([]byte(submitJSON), &params); err != nil {
			return fmt.Errorf("decoding --params-json: %w", err)
		}
	}
	for k, v := range submitParams {
		params[k] = v
	}
	submitIn.Parameters = params
	if submitTTL > 0 {
		submitIn.ExpiresAt = time.Now().Add(submitTTL)
	}

	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		req, err := sc.Manager.Submit(ctx, submitIn)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (domain %s, expires %s)\n", req.ID, req.Status, req.Domain, req.ExpiresAt.Format(time.RFC3339))
		return nil
	})
}

func runDecide(id string, approve bool, reason string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		actor := decideActor
		if actor == "" {
			actor = sc.Config.Gateway.ApproverName()
		}
		req, err := sc.Manager.Decide(ctx, id, approve, actor, reason)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", req.ID, req.Status)
		return nil
	})
}

func runList(_ *cobra.Command, _ []string) error {
	status, err := approval.ParseStatus(listStatus)
	if err != nil {
		return err
	}
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		reqs, err := sc.Manager.List(ctx, status)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOMAIN\tACTION\tTOOL\tTARGET\tRISK\tEXPIRES\tERROR")
		for _, r := range reqs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Domain, r.ActionType, r.ToolRef, r.Target, r.RiskLevel,
				r.ExpiresAt.Format(time.RFC3339), r.ErrorCode)
		}
		return w.Flush()
	})
}

func runShow(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		req, err := sc.Manager.Get(ctx, args[0])
		if err != nil {
			return err
		}
		data, err := approval.Encode(req.Redacted())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	})
}
