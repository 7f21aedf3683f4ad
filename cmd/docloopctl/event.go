package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// --- Event commands ---

func newEventCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Submit lifecycle events and watch the change stream",
	}
	cmd.AddCommand(newEventSubmitCommand())
	cmd.AddCommand(newEventRecentCommand())
	cmd.AddCommand(newEventStreamCommand())
	return cmd
}

func newEventSubmitCommand() *cobra.Command {
	var (
		file string
		wait bool
	)
	cmd := &cobra.Command{
		Use:     "submit",
		Short:   "Submit a lifecycle event read from a JSON file (- for stdin)",
		Example: `  echo '{"entity_type":"Issue","action":"created","number":7,"title":"Jobs API"}' | docloopctl event submit -f - --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", file, err)
				}
				defer f.Close()
				in = f
			}
			var ev map[string]interface{}
			if err := json.NewDecoder(in).Decode(&ev); err != nil {
				return fmt.Errorf("failed to parse event: %w", err)
			}

			params := url.Values{}
			if wait {
				params.Set("wait", "true")
			}
			data, err := newClient().post("/api/v1/events", params, ev)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Event JSON file")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the event has been ingested")
	return cmd
}

func newEventRecentCommand() *cobra.Command {
	var (
		eventType string
		entityID  string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recently published events",
		RunE: runGet(func([]string) string { return "/api/v1/events/recent" }, func() url.Values {
			params := url.Values{}
			params.Set("limit", fmt.Sprint(limit))
			if eventType != "" {
				params.Set("type", eventType)
			}
			if entityID != "" {
				params.Set("entity_id", entityID)
			}
			return params
		}),
	}
	cmd.Flags().StringVar(&eventType, "type", "", "Event type, e.g. review.transition")
	cmd.Flags().StringVar(&entityID, "entity", "", "Entity id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	return cmd
}

// streamURL turns the server URL into the websocket stream URL
func streamURL(base string, types []string, entityID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/events/stream"
	q := url.Values{}
	if len(types) > 0 {
		q.Set("type", strings.Join(types, ","))
	}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newEventStreamCommand() *cobra.Command {
	var (
		types    []string
		entityID string
	)
	cmd := &cobra.Command{
		Use:     "stream",
		Short:   "Stream events in real time over a websocket",
		Example: `  docloopctl event stream --type=review,skills`,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := streamURL(serverURL, types, entityID)
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.Dial(u, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", u, err)
			}
			defer conn.Close()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)
			stopped := make(chan struct{})
			go func() {
				<-interrupt
				close(stopped)
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
			}()

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					select {
					case <-stopped:
						return nil
					default:
					}
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(msg))
			}
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Event type prefixes to include")
	cmd.Flags().StringVar(&entityID, "entity", "", "Only events for this entity id")
	return cmd
}
