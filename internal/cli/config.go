package cli

import (
	"fmt"

	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd creates the config command with subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Show and check the effective server configuration.",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigCheckCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  "Print the merged configuration from defaults, file and environment as YAML. The bearer token is redacted.",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Webservice.BearerToken != "" {
		cfg.Webservice.BearerToken = "<redacted>"
	}
	for i := range cfg.Collector.Repositories {
		repoAuth := &cfg.Collector.Repositories[i].Auth
		if repoAuth.Password != "" {
			repoAuth.Password = "<redacted>"
		}
		if repoAuth.Token != "" {
			repoAuth.Token = "<redacted>"
		}
		for k := range repoAuth.Headers {
			repoAuth.Headers[k] = "<redacted>"
		}
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to render configuration")
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		Long:  "Load and validate the configuration without starting the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}
