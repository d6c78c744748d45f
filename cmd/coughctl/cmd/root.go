// Package cmd holds the coughctl command tree.
package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "COUGHCTL"

// NewRootCommand builds a fresh command tree with its own configuration.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "coughctl",
		Short: "coughctl submits and inspects coughsense inference jobs",
		Long: `coughctl talks to the coughsense invoker and works with deployment files locally.

  Submit a job with overrides:
    coughctl submit --job-id session-42 --set AUDIO_FILENAME=PID_82A_54_codec.wav

  Poll a job until every task is reclaimed:
    coughctl status session-42 --wait

  Render or dry-run the permission boundary of a deployment:
    coughctl policy render -d deployment.yaml
    coughctl policy simulate -d deployment.yaml --action s3:GetObject --resource arn:aws:s3:::bucket/key

Settings come from flags, COUGHCTL_* variables or $HOME/.coughctl.yaml.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.coughctl.yaml)")
	flags.String("url", "http://localhost:8080", "invoker base URL")
	flags.StringP("token", "t", "", "static bearer token")
	flags.String("token-url", "", "OAuth2 token endpoint for client credentials")
	flags.String("client-id", "", "OAuth2 client id")
	flags.String("client-secret", "", "OAuth2 client secret")
	flags.StringSlice("scopes", nil, "OAuth2 scopes")
	for _, name := range []string{"url", "token", "token-url", "client-id", "client-secret", "scopes"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(newSubmitCommand(v), newStatusCommand(v), newPolicyCommand())
	return root
}

func loadConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.SetConfigFile(filepath.Join(home, ".coughctl.yaml"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil
		}
		return err
	}
	return nil
}
