package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xraph/courier/job"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage single jobs",
	}
	cmd.AddCommand(newJobShowCommand(ctx))
	cmd.AddCommand(newJobRetryCommand(ctx))
	cmd.AddCommand(newJobPromoteCommand(ctx))
	cmd.AddCommand(newJobCleanCommand(ctx))
	return cmd
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			eng, closeFn, err := openAdminEngine(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			j, err := eng.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderJob(out, j, time.Now()))
			return nil
		},
	}
}

func newJobRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a failed job back to waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			eng, closeFn, err := openAdminEngine(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := eng.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s retried\n", args[0])
			return nil
		},
	}
}

func newJobPromoteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <id>",
		Short: "Run a delayed job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			eng, closeFn, err := openAdminEngine(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := eng.Promote(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s promoted\n", args[0])
			return nil
		},
	}
}

func newJobCleanCommand(ctx *commandContext) *cobra.Command {
	var (
		queueName string
		state     string
		grace     time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete finished jobs older than the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := job.State(state)
			if st != job.StateCompleted && st != job.StateFailed {
				return fmt.Errorf("--state must be %s or %s", job.StateCompleted, job.StateFailed)
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			eng, closeFn, err := openAdminEngine(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := eng.Clean(cmd.Context(), queueName, st, grace, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s %s jobs from %s\n", humanize.Comma(int64(n)), st, queueName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "Queue name")
	cmd.Flags().StringVar(&state, "state", string(job.StateCompleted), "completed or failed")
	cmd.Flags().DurationVar(&grace, "grace", 24*time.Hour, "Keep jobs finished within this window")
	cmd.Flags().IntVar(&limit, "limit", 1000, "Maximum jobs to remove")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func renderJob(w io.Writer, j *job.Job, now time.Time) string {
	rows := [][]string{
		{"ID", j.ID},
		{"Queue", j.Queue},
		{"Name", j.Name},
		{"State", string(j.State)},
		{"Attempts", formatAttempts(j)},
		{"Backoff", j.Backoff},
		{"Created", humanize.RelTime(j.Timestamp, now, "ago", "from now")},
		{"Run at", humanize.RelTime(j.RunAt, now, "ago", "from now")},
		{"Payload", string(j.Payload)},
	}
	if j.StalledCount > 0 {
		rows = append(rows, []string{"Stalled", fmt.Sprint(j.StalledCount)})
	}
	if j.Result != "" {
		rows = append(rows, []string{"Result", j.Result})
	}
	if j.LastError != "" {
		rows = append(rows, []string{"Last error", j.LastError})
	}
	return renderTable(w, []string{"Field", "Value"}, rows, nil)
}
