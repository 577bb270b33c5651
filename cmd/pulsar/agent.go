package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/pulsar/internal/agent"
	"github.com/oriys/pulsar/internal/engine/wasm"
	"github.com/oriys/pulsar/internal/logging"
)

// agentCmd is the worker-process entrypoint. The host spawns it per pool
// slot and speaks the protocol over stdin/stdout; anything operational goes
// to stderr so it never corrupts the frame stream.
func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "agent",
		Short:  "Run the worker agent (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := agent.New(wasm.New())

			// Plugin log output flows through the process default
			// logger into the agent's buffer.
			slog.SetDefault(a.Logger())

			logging.Op().Debug("agent started", "pid", os.Getpid())
			return a.Serve(context.Background(), stdio{})
		},
	}
}

// stdio adapts the process's standard streams to the protocol transport.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

var _ io.ReadWriter = stdio{}
