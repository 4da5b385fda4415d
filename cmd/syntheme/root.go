package main

import (
	"strings"

	"github.com/spf13/cobra"

	"syntheme/internal/config"
)

// commandContext carries flag state shared by every subcommand.
type commandContext struct {
	configFlag *string
	addrFlag   *string

	cfg *config.Config
}

// ensureConfig loads configuration lazily, once per invocation.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, _, _, err := config.Load(strings.TrimSpace(*c.configFlag))
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// client resolves the daemon address from the --addr flag or configuration.
func (c *commandContext) client() (*apiClient, error) {
	if addr := strings.TrimSpace(*c.addrFlag); addr != "" {
		return newAPIClient(addr), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg.Paths.APIBind), nil
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var addrFlag string

	ctx := &commandContext{configFlag: &configFlag, addrFlag: &addrFlag}

	rootCmd := &cobra.Command{
		Use:           "syntheme",
		Short:         "Client for the syntheme rendering daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Daemon API address (host:port)")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newSynthemesCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newJobCommand(ctx))
	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newFetchCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
