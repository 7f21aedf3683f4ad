package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var serverURL string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "docloopctl",
		Short: "docloop CLI - query the knowledge graph and drive reviews",
		Long: `docloopctl talks to a docloop server. All output is JSON
(pipe through jq for human-readable formatting).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "docloop server URL")

	rootCmd.AddCommand(newNodeCommand())
	rootCmd.AddCommand(newEdgesCommand())
	rootCmd.AddCommand(newImpactCommand())
	rootCmd.AddCommand(newDocumentCommand())
	rootCmd.AddCommand(newSkillCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newReviewCommand())
	rootCmd.AddCommand(newEventCommand())
	rootCmd.AddCommand(newConfigCommand())
	return rootCmd
}

func getDefaultServer() string {
	if server := os.Getenv("DOCLOOP_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(serverURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do(http.MethodGet, path, params, nil)
}

func (c *Client) post(path string, params url.Values, data interface{}) ([]byte, error) {
	return c.do(http.MethodPost, path, params, data)
}

func (c *Client) delete(path string) ([]byte, error) {
	return c.do(http.MethodDelete, path, nil, nil)
}

// escapeID escapes a node id for use in a URL path. Slashes inside the id
// are kept since the server reads the whole remainder of the path.
func escapeID(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// outputJSON pretty-prints JSON data, or prints it raw when it is not JSON
func outputJSON(w io.Writer, data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(w, string(data))
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// runGet builds a RunE that prints the response of a GET
func runGet(path func(args []string) string, params func() url.Values) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var q url.Values
		if params != nil {
			q = params()
		}
		data, err := newClient().get(path(args), q)
		if err != nil {
			return err
		}
		outputJSON(cmd.OutOrStdout(), data)
		return nil
	}
}
