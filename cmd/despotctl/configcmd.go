package main

import (
	"fmt"

	"github.com/danmuck/despot/internal/config"
	"github.com/spf13/cobra"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or check a despotctl config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file populated with defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath(args, "despot.toml")
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validate := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a config file and report the first problem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath(args, "")
			if path == "" {
				return fmt.Errorf("no config file: pass a path or --config")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok (address %s)\n", path, cfg.Client.Address)
			return nil
		},
	}

	template := &cobra.Command{
		Use:   "template",
		Short: "Print the default config to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := config.Template()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}

	cmd.AddCommand(initCmd, validate, template)
	return cmd
}

func (a *app) configPath(args []string, fallback string) string {
	if len(args) == 1 {
		return args[0]
	}
	if path := a.v.GetString("config"); path != "" {
		return path
	}
	return fallback
}
