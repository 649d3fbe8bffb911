package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

func newEnqueueCmd() *cobra.Command {
	var (
		server  string
		apiKey  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue JOB_FILE",
		Short: "Submit a job config file to a running fleetd",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			job, err := readJobConfig(args[0])
			if err != nil {
				return err
			}
			if err := job.Validate(); err != nil {
				return err
			}
			if apiKey == "" && rt.cfg.Auth.Enabled {
				apiKey = rt.cfg.Auth.APIKey
			}
			id, err := submitJob(cmd, &http.Client{Timeout: timeout}, server, apiKey, job)
			if err != nil {
				return err
			}
			rt.logger.Info("job enqueued", zap.String("job_id", id))
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "base URL of the fleetd API")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key, defaults to auth.api_key")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

// readJobConfig decodes a job file in any format viper understands. Durations
// may be written as strings such as "5s".
func readJobConfig(path string) (crawler.JobConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return crawler.JobConfig{}, fmt.Errorf("read job file: %w", err)
	}
	var job crawler.JobConfig
	if err := v.Unmarshal(&job); err != nil {
		return crawler.JobConfig{}, fmt.Errorf("decode job file: %w", err)
	}
	return job, nil
}

func submitJob(cmd *cobra.Command, client *http.Client, server, apiKey string, job crawler.JobConfig) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	url := strings.TrimRight(server, "/") + "/v1/jobs"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit job: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.JobID, nil
}
