package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relay/internal/inbound"
	"relay/internal/store"
)

var (
	secretTenant   string
	secretProvider string
	secretValue    string
)

var inboundSecretCmd = &cobra.Command{
	Use:   "inbound-secret",
	Short: "Store a tenant's signing secret for an inbound provider",
	Example: `  relay inbound-secret --tenant t_demo --provider billing --secret whsec_...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return errors.New("database.url (RELAY_DATABASE_URL) is required")
		}
		if secretTenant == "" || secretValue == "" {
			return errors.New("--tenant and --secret are required")
		}
		switch secretProvider {
		case inbound.ProviderBilling, inbound.ProviderIssues:
		default:
			return fmt.Errorf("--provider must be %s or %s", inbound.ProviderBilling, inbound.ProviderIssues)
		}
		st, err := store.NewPostgres(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		if err := st.SetInboundSecret(cmd.Context(), secretTenant, secretProvider, secretValue); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"tenant_id": secretTenant, "provider": secretProvider}).Info("inbound secret stored")
		return nil
	},
}

func init() {
	inboundSecretCmd.Flags().StringVar(&secretTenant, "tenant", "", "tenant id")
	inboundSecretCmd.Flags().StringVar(&secretProvider, "provider", inbound.ProviderBilling, "billing or issues")
	inboundSecretCmd.Flags().StringVar(&secretValue, "secret", "", "provider signing secret")
}
