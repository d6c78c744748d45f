package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coughsense/coughsense-go/internal/deployment"
	"github.com/coughsense/coughsense-go/internal/permission"
)

func newPolicyCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "policy",
		Short: "Work with a deployment's permission boundary",
	}
	c.AddCommand(newPolicyRenderCommand(), newPolicySimulateCommand())
	return c
}

func loadBoundary(path string) (permission.Spec, error) {
	if path == "" {
		return permission.Spec{}, errors.New("--deployment is required")
	}
	dep, err := deployment.Load(path)
	if err != nil {
		return permission.Spec{}, err
	}
	return dep.Boundary()
}

func newPolicyRenderCommand() *cobra.Command {
	var (
		depFile string
		purpose string
		spec    bool
	)
	c := &cobra.Command{
		Use:   "render",
		Short: "Print the policy documents of the task identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			boundary, err := loadBoundary(depFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if spec {
				b, err := boundary.Marshal()
				if err != nil {
					return err
				}
				_, err = out.Write(b)
				return err
			}
			docs := map[string]json.RawMessage{}
			for _, id := range boundary.Identities {
				if purpose != "" && string(id.Purpose) != purpose {
					continue
				}
				doc, err := permission.Document(id)
				if err != nil {
					return err
				}
				docs[id.Name] = doc
			}
			if len(docs) == 0 {
				return fmt.Errorf("no identity with purpose %q", purpose)
			}
			b, err := json.MarshalIndent(docs, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, string(b))
			return err
		},
	}
	c.Flags().StringVarP(&depFile, "deployment", "d", "", "deployment file")
	c.Flags().StringVar(&purpose, "purpose", "", "only render the execution or data identity")
	c.Flags().BoolVar(&spec, "spec", false, "print the boundary spec as YAML instead")
	return c
}

func newPolicySimulateCommand() *cobra.Command {
	var (
		depFile  string
		purpose  string
		action   string
		resource string
	)
	c := &cobra.Command{
		Use:   "simulate",
		Short: "Dry-run one action against a task identity",
		Long:  `Evaluate one action on one resource. The command fails when the request is denied.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if action == "" || resource == "" {
				return errors.New("--action and --resource are required")
			}
			boundary, err := loadBoundary(depFile)
			if err != nil {
				return err
			}
			decision := boundary.Simulate(permission.Purpose(purpose), action, resource)
			b, err := json.Marshal(decision)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			if !decision.Allowed() {
				return &permission.AccessError{Decision: decision, Action: action, Resource: resource}
			}
			return nil
		},
	}
	c.Flags().StringVarP(&depFile, "deployment", "d", "", "deployment file")
	c.Flags().StringVar(&purpose, "purpose", string(permission.PurposeData), "identity to evaluate (execution or data)")
	c.Flags().StringVar(&action, "action", "", "action, e.g. s3:GetObject")
	c.Flags().StringVar(&resource, "resource", "", "resource ARN")
	return c
}
