package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/courier/job"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		queueName string
		name      string
		payload   string
		delay     time.Duration
		attempts  int
		priority  int
		jobID     string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a job to a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if queueName == "" || name == "" {
				return errors.New("--queue and --name are required")
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON: %s", payload)
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

			var opts []job.Option
			if delay > 0 {
				opts = append(opts, job.WithDelay(delay))
			}
			if attempts > 0 {
				opts = append(opts, job.WithAttempts(attempts))
			}
			if priority != 0 {
				opts = append(opts, job.WithPriority(priority))
			}
			if jobID != "" {
				opts = append(opts, job.WithJobID(jobID))
			}

			j, err := eng.EnqueueRaw(cmd.Context(), queueName, name, []byte(payload), opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", j.ID, j.State)
			return nil
		},
	}

	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "Queue name")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Job name")
	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", "JSON payload")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Postpone the first run")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "Total attempts (queue default when zero)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Lease priority, higher first")
	cmd.Flags().StringVar(&jobID, "id", "", "Explicit job id")
	return cmd
}
