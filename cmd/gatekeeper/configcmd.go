package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/gatekeeper/internal/config"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

var configPrint bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Validate a config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok (state=%s, sql=%s, adapters=%d)\n",
			path, cfg.Storage.StateBackend(), cfg.Storage.SQLDriver(),
			len(cfg.Adapters.MCP)+len(cfg.Adapters.Webhooks))
		if configPrint {
			if cfg.Gateway != nil && cfg.Gateway.APIKey != "" {
				cfg.Gateway.APIKey = sanitize.Redacted
			}
			if n := cfg.Notification; n != nil && n.Slack != nil && n.Slack.BotToken != "" {
				n.Slack.BotToken = sanitize.Redacted
			}
			if cfg.Storage != nil && cfg.Storage.Postgres != nil && cfg.Storage.Postgres.DSN != "" {
				cfg.Storage.Postgres.DSN = sanitize.Redacted
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
		}
		return nil
	},
}

func init() {
	configCheckCmd.Flags().BoolVar(&configPrint, "print", false, "print the effective configuration")
	configCmd.AddCommand(configCheckCmd)
}
