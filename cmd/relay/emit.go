package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"relay/internal/events"
	"relay/internal/model"
)

var (
	emitTenant string
	emitEvent  string
	emitData   string
	emitVia    string
	emitAPI    string
	emitToken  string
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Emit a domain event over NATS or the HTTP API",
	Example: `  relay emit --tenant t_demo --event interaction.created --data '{"id":"o_1"}'
  relay emit --via http --api http://localhost:8080 --token t_demo:admin --event interaction.created`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if emitEvent == "" {
			return errors.New("--event is required")
		}
		data := json.RawMessage(emitData)
		if !json.Valid(data) {
			return errors.New("--data must be valid JSON")
		}
		switch emitVia {
		case "nats":
			if cfg.NATS.URL == "" {
				return errors.New("nats.url (RELAY_NATS_URL) is required")
			}
			if emitTenant == "" {
				return errors.New("--tenant is required")
			}
			conn, err := events.Connect(cfg.NATS.URL, "relay-cli", log)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := events.Publish(conn, emitTenant, emitEvent, data); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "published "+emitEvent+" on "+events.Subject(emitTenant))
			return nil
		case "http":
			return emitHTTP(cmd, model.EmitRequest{Event: emitEvent, Data: data})
		default:
			return fmt.Errorf("--via must be nats or http, got %q", emitVia)
		}
	},
}

func emitHTTP(cmd *cobra.Command, req model.EmitRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	r, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(emitAPI, "/")+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json")
	if emitToken != "" {
		r.Header.Set("Authorization", "Bearer "+emitToken)
	}
	resp, err := http.DefaultClient.Do(r)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("emit: %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(out)))
	return nil
}

func init() {
	emitCmd.Flags().StringVar(&emitTenant, "tenant", "", "tenant id (nats)")
	emitCmd.Flags().StringVar(&emitEvent, "event", "", "event name, e.g. interaction.created")
	emitCmd.Flags().StringVar(&emitData, "data", "{}", "event data as JSON")
	emitCmd.Flags().StringVar(&emitVia, "via", "nats", "nats or http")
	emitCmd.Flags().StringVar(&emitAPI, "api", "http://localhost:8080", "API base URL (http)")
	emitCmd.Flags().StringVar(&emitToken, "token", "", "bearer token (http)")
}
