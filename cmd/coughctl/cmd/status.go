package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCommand(v *viper.Viper) *cobra.Command {
	var (
		byTask   bool
		wait     bool
		interval time.Duration
	)
	c := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show the tasks of a job",
		Long: `Show every task launched for a job. With --task the argument is a task id.
With --wait the command polls until every task is reclaimed and fails if any
of them did not succeed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(cmd.Context(), v)
			fetch := func(ctx context.Context) ([]TaskStatus, error) {
				if byTask {
					t, err := client.Task(ctx, args[0])
					return []TaskStatus{t}, err
				}
				return client.Job(ctx, args[0])
			}
			tasks, err := fetch(cmd.Context())
			if err != nil {
				return err
			}
			for wait && !allReclaimed(tasks) {
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
				if tasks, err = fetch(cmd.Context()); err != nil {
					return err
				}
			}
			printTasks(cmd.OutOrStdout(), tasks)
			if wait {
				for _, t := range tasks {
					if t.Status != "succeeded" {
						return fmt.Errorf("task %s finished %s: %s", t.TaskID, t.Status, t.Reason)
					}
				}
			}
			return nil
		},
	}
	c.Flags().BoolVar(&byTask, "task", false, "treat the argument as a task id")
	c.Flags().BoolVar(&wait, "wait", false, "poll until every task is reclaimed")
	c.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval for --wait")
	return c
}

func allReclaimed(tasks []TaskStatus) bool {
	for _, t := range tasks {
		if !t.State.Terminal() {
			return false
		}
	}
	return len(tasks) > 0
}

func printTasks(w io.Writer, tasks []TaskStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tJOB\tSTATE\tSTATUS\tREASON\tOUTPUT")
	for _, t := range tasks {
		reason := t.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\ts3://%s/%s\n", t.TaskID, t.JobID, t.State, t.Status, reason, t.Bucket, t.OutputKey)
	}
	_ = tw.Flush()
}
