//go:build postgres_integration

package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"relay/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("RELAY_DATABASE_URL")
	if dsn == "" {
		t.Skip("RELAY_DATABASE_URL not set; skipping integration test")
	}
	_, err := Migrate(dsn)
	require.NoError(t, err)
	p, err := NewPostgres(t.Context(), dsn)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Ping(t.Context()))
	_, _, err = p.ListDeliveries(t.Context(), "t_demo", model.DeliveryFilter{Limit: 1})
	require.NoError(t, err)
}
