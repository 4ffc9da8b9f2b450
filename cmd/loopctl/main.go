// Package main implements loopctl, the command-line client for codeloopd.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	httpserver "github.com/fyrsmithlabs/codeloop/internal/http"
	"github.com/spf13/cobra"
)

// version is set via ldflags during build
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// client talks to the codeloopd HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:   "loopctl",
		Short: "CLI for the codeloopd task API",
		Long: `loopctl submits tasks to codeloopd and reports on their progress through
implementation, review, testing and scoring.`,
		Version:       version,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&c.baseURL, "server", "http://localhost:9090", "codeloopd server URL")

	root.AddCommand(
		newSubmitCmd(c),
		newStatusCmd(c),
		newListCmd(c),
		newCancelCmd(c),
		newWaitCmd(c),
		newHealthCmd(c),
		newConfigCmd(),
	)
	return root
}

// do sends a request and decodes a JSON response into out. Non-2xx
// responses become errors carrying the server's message.
func (c *client) do(method, path, contentType string, body []byte, out any) error {
	url := strings.TrimRight(c.baseURL, "/") + path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e httpserver.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Message)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func newHealthCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check codeloopd health",
		Long: `Check the health of the codeloopd server and show task counts by state.

Examples:
  loopctl health
  loopctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.HealthResponse
			if err := c.do(http.MethodGet, "/health", "", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			writeCounts(out, resp.Tasks)
			return nil
		},
	}
}
