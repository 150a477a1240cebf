package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/webhooks"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "sign", "verify", "tail", "emit", "token", "inbound-secret", "version"} {
		assert.True(t, names[want], want)
	}
}

func TestSignMatchesLibrary(t *testing.T) {
	out, err := run(t, `{"id":"o_1"}`, "sign", "--secret", "whsec_test", "--at", "1700000000")
	require.NoError(t, err)
	assert.Equal(t, webhooks.SignAt([]byte(`{"id":"o_1"}`), "whsec_test", time.Unix(1700000000, 0)), out)
}

func TestVerify(t *testing.T) {
	payload := `{"id":"o_1"}`
	header := webhooks.Sign([]byte(payload), "whsec_test")

	out, err := run(t, payload, "verify", "--secret", "whsec_test", "--header", header)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = run(t, payload, "verify", "--secret", "other", "--header", header)
	assert.Error(t, err)

	_, err = run(t, payload, "verify", "--secret", "whsec_test", "--header", "garbage")
	assert.ErrorIs(t, err, webhooks.ErrMalformedSignature)
}

func TestTokenDevMode(t *testing.T) {
	t.Setenv("RELAY_AUTH_MODE", "dev")
	out, err := run(t, "", "token", "--tenant", "acme", "--role", "viewer")
	require.NoError(t, err)
	assert.Equal(t, "acme:viewer", out)
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL("https://relay.example.com/", "interaction.created", "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/v1/webhooks/deliveries/stream?event=interaction.created&subscriberId=sub_1", u)

	u, err = streamURL("http://localhost:8080", "", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/v1/webhooks/deliveries/stream", u)

	_, err = streamURL("ftp://x", "", "")
	assert.Error(t, err)
}

func TestInboundSecretRejectsUnknownProvider(t *testing.T) {
	t.Setenv("RELAY_DATABASE_URL", "postgres://unused")
	_, err := run(t, "", "inbound-secret", "--tenant", "acme", "--provider", "payroll", "--secret", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--provider")
}
