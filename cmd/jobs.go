package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain enrichment jobs",
	Long:  "Commands for viewing job status, listing jobs, and expiring old artifacts.",
}

// -- jobs status --

type jobStatusView struct {
	*model.Job
	LogsTail []string `json:"logs_tail"`
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and the tail of its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("jobs"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs status")
		}
		tail, _ := cmd.Flags().GetInt("tail")
		logs, err := jobs.TailLogs(ctx, st, job.ID, tail)
		if err != nil {
			return eris.Wrap(err, "jobs status: logs")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobStatusView{Job: job, LogsTail: logs})
	},
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, most recent first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("jobs"); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		if status != "" && !model.JobStatus(status).Valid() {
			return eris.Errorf("jobs list: unknown status %q", status)
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		list, err := st.List(ctx, jobs.Filter{Status: model.JobStatus(status), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, list)
		return nil
	},
}

// -- jobs prune --

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete artifacts of jobs finished before the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("jobs"); err != nil {
			return err
		}

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = cfg.Server.OutputTTL
		}
		if olderThan <= 0 {
			return eris.New("jobs prune: --older-than or server.output_ttl must be positive")
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := pruneOutputs(ctx, st, time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "expired %d job outputs older than %s\n", n, olderThan)
		return nil
	},
}

// formatJobsList writes a tabular list of jobs to out.
func formatJobsList(out io.Writer, list []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tCREATED\tDURATION\tOUTPUT")
	_, _ = fmt.Fprintln(w, "--\t------\t--------\t-------\t--------\t------")

	for _, j := range list {
		progress := "-"
		if j.ProgressTotal > 0 {
			progress = fmt.Sprintf("%d/%d", j.ProgressCur, j.ProgressTotal)
		}

		dur := "-"
		if j.StartedAt != nil {
			end := j.UpdatedAt
			if j.FinishedAt != nil {
				end = *j.FinishedAt
			}
			dur = end.Sub(*j.StartedAt).Round(time.Second).String()
		}

		output := j.OutputRef
		if j.Status == model.JobStatusFailed {
			output = j.Error
		}
		if len(output) > 40 {
			output = output[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(j.ID),
			j.Status,
			progress,
			j.CreatedAt.Format("2006-01-02 15:04"),
			dur,
			output,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	jobsStatusCmd.Flags().Int("tail", 50, "number of trailing log lines to include")

	jobsListCmd.Flags().String("status", "", "filter by status (created, queued, running, done, failed)")
	jobsListCmd.Flags().Int("limit", 20, "maximum jobs to list")

	jobsPruneCmd.Flags().Duration("older-than", 0, "retention window (default server.output_ttl)")

	jobsCmd.AddCommand(jobsStatusCmd, jobsListCmd, jobsPruneCmd)
	rootCmd.AddCommand(jobsCmd)
}
