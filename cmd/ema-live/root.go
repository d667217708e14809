package main

import "github.com/spf13/cobra"

const defaultConfigPath = "ema-live.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ema-live",
		Short:         "Real-time assistant for live streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the configuration file")

	root.AddCommand(newRunCmd(), newProvidersCmd(), newConfigCmd())
	return root
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
