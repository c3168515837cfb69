package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type submitRequest struct {
	URL        string         `json:"url"`
	Priority   string         `json:"priority,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		priority   string
		configJSON string
		tags       []string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "submit URL [URL...]",
		Short: "Submit one or more URLs as scraping jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobCfg map[string]any
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &jobCfg); err != nil {
					return fmt.Errorf("parse --job-config: %w", err)
				}
			}
			var retries *int
			if cmd.Flags().Changed("max-retries") {
				retries = &maxRetries
			}
			jobs := make([]submitRequest, 0, len(args))
			for _, target := range args {
				jobs = append(jobs, submitRequest{
					URL:        target,
					Priority:   priority,
					Config:     jobCfg,
					Tags:       tags,
					MaxRetries: retries,
				})
			}

			client := newAPIClient(opts)
			out := cmd.OutOrStdout()
			if len(jobs) == 1 {
				var resp struct {
					JobID string `json:"job_id"`
				}
				if _, err := client.do(cmd.Context(), http.MethodPost, "/v1/jobs", nil, jobs[0], &resp); err != nil {
					return err
				}
				_, err := fmt.Fprintln(out, resp.JobID)
				return err
			}
			var resp struct {
				JobIDs []string `json:"job_ids"`
			}
			if _, err := client.do(cmd.Context(), http.MethodPost, "/v1/jobs/batch", nil, map[string]any{"jobs": jobs}, &resp); err != nil {
				return err
			}
			for _, id := range resp.JobIDs {
				if _, err := fmt.Fprintln(out, id); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "low, normal, high or urgent")
	cmd.Flags().StringVar(&configJSON, "job-config", "", "fetcher configuration as a JSON object")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries after the first attempt (default from server config)")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if _, err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, "/v1/jobs/"+url.PathEscape(args[0]), nil, nil, &raw); err != nil {
				return err
			}
			return writePretty(cmd.OutOrStdout(), raw)
		},
	}
}

func newResultCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "result JOB_ID",
		Short: "Show a job's result, optionally waiting for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if wait > 0 {
				query.Set("wait", wait.String())
			}
			var raw json.RawMessage
			status, err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, "/v1/jobs/"+url.PathEscape(args[0])+"/result", query, nil, &raw)
			if err != nil {
				return err
			}
			if status == http.StatusAccepted {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "job has not finished yet")
			}
			return writePretty(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the job to finish")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				JobID  string `json:"job_id"`
				Status string `json:"status"`
			}
			if _, err := newAPIClient(opts).do(cmd.Context(), http.MethodPost, "/v1/jobs/"+url.PathEscape(args[0])+"/cancel", nil, nil, &resp); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.JobID, resp.Status)
			return err
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			var resp struct {
				Jobs []struct {
					ID       string `json:"id"`
					URL      string `json:"url"`
					Status   string `json:"status"`
					Priority any    `json:"priority"`
					Attempts int    `json:"attempts"`
				} `json:"jobs"`
			}
			if _, err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, "/v1/jobs", query, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, job := range resp.Jobs {
				if _, err := fmt.Fprintf(out, "%s\t%s\t%v\t%d\t%s\n", job.ID, job.Status, job.Priority, job.Attempts, job.URL); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs")
	return cmd
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished jobs older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			query.Set("older_than", olderThan.String())
			var resp struct {
				Purged int `json:"purged"`
			}
			if _, err := newAPIClient(opts).do(cmd.Context(), http.MethodDelete, "/v1/jobs", query, nil, &resp); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs\n", resp.Purged)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "minimum age of purged jobs")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var pool bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics, or worker pool statistics with --pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/stats"
			if pool {
				path = "/v1/pool/stats"
			}
			var raw json.RawMessage
			if _, err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, path, nil, nil, &raw); err != nil {
				return err
			}
			return writePretty(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().BoolVar(&pool, "pool", false, "show worker pool statistics")
	return cmd
}

