package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relay/internal/buildinfo"
	"relay/internal/config"
	"relay/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Webhook delivery and signature engine",
	Long: `relay signs and delivers tenant events to subscriber webhooks with retries,
records every attempt, and verifies signed callbacks from billing and issue providers.`,
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); RELAY_* env vars override it")
	rootCmd.AddCommand(serveCmd, migrateCmd, signCmd, verifyCmd, tailCmd, emitCmd, tokenCmd, inboundSecretCmd, versionCmd)
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}
