package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coughsense/coughsense-go/internal/domain"
)

func newSubmitCommand(v *viper.Viper) *cobra.Command {
	var (
		jobID string
		sets  []string
	)
	c := &cobra.Command{
		Use:   "submit",
		Short: "Submit one inference job",
		Long: `Submit a job request to the invoker. Each --set KEY=VALUE overrides one
contract variable; an empty value clears the deployment default.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseOverrides(sets)
			if err != nil {
				return err
			}
			client := newClient(cmd.Context(), v)
			handle, err := client.Submit(cmd.Context(), domain.JobRequest{JobID: jobID, Overrides: overrides})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Job submitted")
			fmt.Fprintf(out, "  job:    %s\n", handle.JobID)
			fmt.Fprintf(out, "  task:   %s\n", handle.TaskID)
			fmt.Fprintf(out, "  state:  %s\n", handle.State)
			fmt.Fprintf(out, "  output: s3://%s/%s\n", handle.Bucket, handle.OutputKey)
			fmt.Fprintf(out, "  logs:   %s/%s\n", handle.LogGroup, handle.LogStream)
			return nil
		},
	}
	c.Flags().StringVar(&jobID, "job-id", "", "job id (generated when empty)")
	c.Flags().StringArrayVar(&sets, "set", nil, "contract override KEY=VALUE (repeatable)")
	return c
}

func parseOverrides(sets []string) (map[string]string, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(sets))
	for _, kv := range sets {
		k, val, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("--set %q: want KEY=VALUE", kv)
		}
		out[k] = val
	}
	return out, nil
}
