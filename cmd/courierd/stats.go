package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xraph/courier/config"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/schedule"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var (
		delayedInbox bool
		showTasks    bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per queue",
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

			out := cmd.OutOrStdout()
			stats, err := eng.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderStats(out, stats))

			if delayedInbox {
				hosts, err := eng.DelayedInboxHosts(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderHosts(out, hosts))
			}

			if showTasks {
				sched, err := schedule.NewScheduler(schedule.DefaultTasks(), nil, nil, quietLogger())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderTasks(out, sched.Tasks(), time.Now()))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&delayedInbox, "delayed-inbox", false, "Break delayed inbox jobs down by sender host")
	cmd.Flags().BoolVar(&showTasks, "tasks", false, "List the repeatable system tasks and their next run")
	return cmd
}

// openAdminEngine opens the configured store and builds an engine that runs
// no pools or schedules, for inspecting and editing jobs.
func openAdminEngine(cmd *cobra.Command, cfg *config.Config) (*engine.Engine, func(), error) {
	logger := newLogger(cfg, cmd.ErrOrStderr())
	b, err := openBackend(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	eng, err := newEngine(cfg, b, logger, engine.WithTasks(nil))
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	return eng, func() {
		if err := b.Close(); err != nil {
			logger.Warn("close store", slog.String("error", err.Error()))
		}
	}, nil
}

var statsStates = []job.State{
	job.StateWaiting,
	job.StateDelayed,
	job.StateActive,
	job.StateCompleted,
	job.StateFailed,
}

func renderStats(w io.Writer, stats []engine.QueueStats) string {
	headers := []string{"Queue"}
	aligns := []columnAlignment{alignLeft}
	for _, st := range statsStates {
		headers = append(headers, string(st))
		aligns = append(aligns, alignRight)
	}

	rows := make([][]string, 0, len(stats))
	for _, qs := range stats {
		row := []string{qs.Queue}
		for _, st := range statsStates {
			row = append(row, humanize.Comma(qs.Counts[st]))
		}
		rows = append(rows, row)
	}
	return renderTable(w, headers, rows, aligns)
}

func renderHosts(w io.Writer, hosts []engine.HostCount) string {
	rows := make([][]string, 0, len(hosts))
	for _, h := range hosts {
		host := h.Host
		if host == "" {
			host = "(unknown)"
		}
		rows = append(rows, []string{host, humanize.Comma(int64(h.Count))})
	}
	return renderTable(w, []string{"Host", "Delayed"}, rows, []columnAlignment{alignLeft, alignRight})
}

func renderTasks(w io.Writer, tasks []schedule.Status, now time.Time) string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.Name,
			t.Schedule,
			t.Queue,
			humanize.RelTime(t.Next, now, "ago", "from now"),
		})
	}
	return renderTable(w, []string{"Task", "Schedule", "Queue", "Next"}, rows, nil)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func formatAttempts(j *job.Job) string {
	return strconv.Itoa(j.AttemptsMade) + "/" + strconv.Itoa(j.Attempts)
}
