package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/pulsar/internal/engine/wasm"
	"github.com/oriys/pulsar/internal/sandbox"
)

// inspectCmd loads a module in-process and prints its callable exports,
// one per line. Handy for checking what /invoke will accept before
// starting a host.
func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect MODULE",
		Short: "List the callable exports of a plugin module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, err := resolveModule(args[0])
			if err != nil {
				return err
			}

			sb := sandbox.New()
			sctx, err := sb.Enter("", nil, nil)
			if err != nil {
				return err
			}
			defer sctx.Close()

			mod, err := wasm.New().Load(context.Background(), module, sb)
			if err != nil {
				return fmt.Errorf("load module: %w", err)
			}
			defer mod.Close(context.Background())

			for _, name := range mod.Functions() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
