package main

import (
	"fmt"

	"github.com/fyrsmithlabs/codeloop/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect codeloop configuration",
	}

	var path string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Load the configuration the way codeloopd does (defaults, then the file, then
CODELOOP_* environment variables) and report the first problem found.

Examples:
  loopctl config validate --config ~/.config/codeloop/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFile(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: vectordb=%s embeddings=%s max_concurrent=%d\n",
				cfg.VectorDB.Type, cfg.Embeddings.Provider, cfg.Scheduler.MaxConcurrent)
			return nil
		},
	}
	validate.Flags().StringVar(&path, "config", "", "config file path (defaults plus environment when empty)")

	cmd.AddCommand(validate)
	return cmd
}
