package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/model"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run an enrichment job in-process and stream its log",
	Long:  "Starts (or attaches to) the job for the given inputs, streams its log and progress to stdout, and prints the artifact path when it finishes.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		inputs, _ := cmd.Flags().GetStringSlice("input")
		format, _ := cmd.Flags().GetString("format")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		maxRows, _ := cmd.Flags().GetInt("max-rows")

		if err := cfg.Validate("enrich"); err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			env.Close(shutdownCtx)
		}()

		req := model.JobRequest{Sources: inputs, Format: format, Concurrency: concurrency, MaxRows: maxRows}
		job, err := runJob(ctx, env.Runner, req, os.Stdout)
		if err != nil {
			return err
		}
		if job.Status != model.JobStatusDone {
			return eris.Errorf("job %s failed: %s", job.ID, job.Error)
		}
		return nil
	},
}

// runJob starts or attaches to the job for req, streams its events to w
// and returns the final job.
func runJob(ctx context.Context, r *jobs.Runner, req model.JobRequest, w io.Writer) (*model.Job, error) {
	job, created, err := r.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		fmt.Fprintf(w, "attached to existing job %s (%s)\n", job.ID, job.Status)
	}

	if err := jobs.Stream(ctx, r.Store(), job.ID, 200*time.Millisecond, newEventPrinter(w)); err != nil {
		return nil, eris.Wrap(err, "stream job")
	}
	return r.Wait(ctx, job.ID)
}

// newEventPrinter renders stream events as plain text. Progress is only
// printed when it changes.
func newEventPrinter(w io.Writer) func(jobs.Event) error {
	var last jobs.ProgressData
	return func(ev jobs.Event) error {
		var err error
		switch d := ev.Data.(type) {
		case jobs.HelloData:
			_, err = fmt.Fprintf(w, "job %s: %s\n", d.JobID, d.Status)
		case jobs.LogData:
			_, err = fmt.Fprintln(w, d.Line)
		case jobs.ProgressData:
			if d == last || d.Total == 0 {
				return nil
			}
			last = d
			_, err = fmt.Fprintf(w, "progress: %d/%d\n", d.Cur, d.Total)
		case jobs.FinalData:
			if d.Status == model.JobStatusDone {
				_, err = fmt.Fprintf(w, "done: %s\n", d.OutputRef)
			} else {
				_, err = fmt.Fprintf(w, "%s: %s\n", d.Status, d.Error)
			}
		}
		return err
	}
}

func init() {
	enrichCmd.Flags().StringSlice("input", nil, "input CSV/XLSX path or URL (repeatable)")
	enrichCmd.Flags().String("format", model.FormatCSV, "artifact format: csv or xlsx")
	enrichCmd.Flags().Int("concurrency", 0, "entities enriched in parallel (default from config)")
	enrichCmd.Flags().Int("max-rows", 0, "stop reading input after this many rows (0 = all)")
	_ = enrichCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(enrichCmd)
}
