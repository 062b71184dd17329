// Command backy is the CLI client for a running backyd daemon: it
// talks to the admin HTTP API over bearer-token auth (spec §6).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"backy/internal/scheduler"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var apiURL, token string
	rootCmd := &cobra.Command{
		Use:   "backy",
		Short: "backy backup client",
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", "http://127.0.0.1:6023", "daemon admin API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("BACKY_TOKEN"), "bearer token")

	client := func() *apiClient { return newAPIClient(apiURL, token) }

	var filter string
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List job status",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := client().fetchStatus(filter)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				fmt.Printf("%-20s %-8s %-12s %s\n", s.Job, s.SLA, s.Status, s.LastTags)
			}
			return nil
		},
	}
	jobsCmd.Flags().StringVar(&filter, "filter", "", "job name regex filter")

	runCmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Trigger an immediate run for one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().runJob(args[0])
		},
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon's configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().reload()
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check SLA and quarantine status, exit non-zero on problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := client().fetchStatus("")
			if err != nil {
				return err
			}
			code := 0
			for _, s := range statuses {
				if len(s.ProblemReports) > 0 {
					logger.Error("check-quarantine-reports", "job", s.Job, "count", len(s.ProblemReports))
					code = max(code, 1)
				}
				if s.SLA != "OK" {
					logger.Error("check-sla-violation", "job", s.Job, "overdue", s.SLAOverdue)
					code = max(code, 2)
				}
			}
			os.Exit(code)
			return nil
		},
	}

	rootCmd.AddCommand(jobsCmd, runCmd, reloadCmd, checkCmd)
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command-failed", "error", err)
		os.Exit(1)
	}
}

// apiClient is a minimal HTTP client for the admin API, kept separate
// from backy/internal/peer.Client since the CLI only ever exercises a
// handful of verbs against the local daemon.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{baseURL: baseURL, token: token, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(method, path string, query url.Values) (*http.Response, error) {
	full := c.baseURL + path
	if query != nil {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, full, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.http.Do(req)
}

func (c *apiClient) fetchStatus(filter string) ([]scheduler.Status, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	resp, err := c.do(http.MethodGet, "/v1/status", q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backy: fetch status: unexpected status %d", resp.StatusCode)
	}
	var statuses []scheduler.Status
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *apiClient) runJob(name string) error {
	resp, err := c.do(http.MethodPost, "/v1/jobs/"+name+"/run", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backy: run %s: unexpected status %d: %s", name, resp.StatusCode, body)
	}
	return nil
}

func (c *apiClient) reload() error {
	resp, err := c.do(http.MethodPost, "/v1/reload", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("backy: reload: unexpected status %d", resp.StatusCode)
	}
	return nil
}
