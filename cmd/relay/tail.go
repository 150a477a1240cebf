package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"relay/internal/api"
)

var (
	tailAPI        string
	tailToken      string
	tailEvent      string
	tailSubscriber string
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream delivery outcomes as they are recorded",
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := streamURL(tailAPI, tailEvent, tailSubscriber)
		if err != nil {
			return err
		}
		hdr := http.Header{}
		if tailToken != "" {
			hdr.Set("Authorization", "Bearer "+tailToken)
		}
		c, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), u, hdr)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("dial %s: %s", u, resp.Status)
			}
			return err
		}
		defer func() { _ = c.Close() }()
		go func() {
			<-cmd.Context().Done()
			_ = c.Close()
		}()

		for {
			var msg api.StreamMessage
			if err := c.ReadJSON(&msg); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) || cmd.Context().Err() != nil {
					return nil
				}
				return err
			}
			if msg.Payload == nil {
				continue
			}
			line, err := json.Marshal(msg.Payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(line))
		}
	},
}

// streamURL rewrites an http(s) API base into the ws(s) stream endpoint.
func streamURL(base, event, subscriberID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/v1/webhooks/deliveries/stream"
	q := url.Values{}
	if event != "" {
		q.Set("event", event)
	}
	if subscriberID != "" {
		q.Set("subscriberId", subscriberID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func init() {
	tailCmd.Flags().StringVar(&tailAPI, "api", "http://localhost:8080", "API base URL")
	tailCmd.Flags().StringVar(&tailToken, "token", "", "bearer token")
	tailCmd.Flags().StringVar(&tailEvent, "event", "", "only this event name")
	tailCmd.Flags().StringVar(&tailSubscriber, "subscriber", "", "only this subscriber id")
}
