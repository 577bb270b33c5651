package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Transport is a duplex byte stream to one agent process plus the means to
// end it. Reads and writes follow the protocol framing.
type Transport interface {
	io.ReadWriter
	// Close ends the stream politely, letting the agent drain and exit.
	Close() error
	// Kill terminates the agent unilaterally.
	Kill() error
}

// Spawner creates agent transports. The production implementation launches
// an agent process per worker; tests substitute in-process pipes.
type Spawner interface {
	Spawn(ctx context.Context) (Transport, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context) (Transport, error)

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(ctx context.Context) (Transport, error) { return f(ctx) }

// ProcessSpawner launches the agent as a child process and speaks the
// protocol over its stdin/stdout. Agent diagnostics pass through on stderr.
type ProcessSpawner struct {
	// Path is the agent binary; empty means re-exec the current binary.
	Path string
	// Args are the agent's arguments, defaulting to the hidden "agent"
	// subcommand.
	Args []string
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context) (Transport, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve agent binary: %w", err)
		}
		path = exe
	}
	args := s.Args
	if args == nil {
		args = []string{"agent"}
	}

	cmd := exec.Command(path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	return &processTransport{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type processTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (t *processTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *processTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *processTransport) Close() error {
	t.stdin.Close()
	return t.cmd.Wait()
}

func (t *processTransport) Kill() error {
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	t.stdin.Close()
	return t.cmd.Wait()
}
