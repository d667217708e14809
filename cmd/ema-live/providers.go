package main

import (
	"fmt"
	"io"

	"github.com/koscakluka/ema-live/core/builtin"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/spf13/cobra"
)

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the built-in providers of every domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			listProviders(cmd.OutOrStdout(), builtin.NewRegistries())
			return nil
		},
	}
}

func listProviders(w io.Writer, registries *providers.Registries) {
	domains := []struct {
		category providers.Category
		names    []string
	}{
		{providers.CategoryInput, registries.Input.Names()},
		{providers.CategoryDecision, registries.Decision.Names()},
		{providers.CategoryOutput, registries.Output.Names()},
	}
	for _, domain := range domains {
		fmt.Fprintf(w, "%s:\n", domain.category)
		for _, name := range domain.names {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
}
