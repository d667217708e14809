package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/koscakluka/ema-live/core/builtin"
	"github.com/koscakluka/ema-live/core/config"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration file",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and every enabled provider's options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if err := checkProviders(cmd.OutOrStdout(), cfg, builtin.NewRegistries()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})
	return configCmd
}

// checkProviders creates every enabled provider without setting it up, which
// decodes and validates its options.
func checkProviders(w io.Writer, cfg *config.Config, registries *providers.Registries) error {
	var errs []error
	report := func(category providers.Category, spec providers.Spec, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s provider %q: %w", category, spec.Name, err))
			return
		}
		fmt.Fprintf(w, "%s %s: ok\n", category, spec.Name)
	}

	for _, spec := range cfg.Providers.Input.Specs() {
		_, err := registries.Input.Create(spec.Name, spec.Options)
		report(providers.CategoryInput, spec, err)
	}
	if spec, ok := cfg.Providers.Decision.ActiveSpec(); ok {
		_, err := registries.Decision.Create(spec.Name, spec.Options)
		report(providers.CategoryDecision, spec, err)
	}
	for _, spec := range cfg.Providers.Output.Specs() {
		_, err := registries.Output.Create(spec.Name, spec.Options)
		report(providers.CategoryOutput, spec, err)
	}
	return errors.Join(errs...)
}
