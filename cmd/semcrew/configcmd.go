package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semcrew/config"
)

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration loads and validates",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(opts.logLevel)
			if _, err := loadConfig(opts, logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration OK")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(opts.logLevel)
			cfg, err := loadConfig(opts, logger)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default user config if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(opts.logLevel)
			return config.NewLoader(logger).EnsureUserConfig()
		},
	})

	return cmd
}
