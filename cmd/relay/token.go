package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/auth"
)

var (
	tokenTenant string
	tokenRole   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API bearer token for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if tokenTenant == "" {
			return errors.New("--tenant is required")
		}
		if cfg.Auth.Mode == auth.ModeDev {
			fmt.Fprintln(cmd.OutOrStdout(), tokenTenant+":"+tokenRole)
			return nil
		}
		tok, err := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.Secret).Issue(tokenTenant, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleAdmin, "admin or viewer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime (0 for none)")
}
