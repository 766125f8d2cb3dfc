// Package sandbox abstracts the two execution substrates a process can run
// in: a local pseudoterminal and a Docker container. Managers depend on the
// backend interfaces only.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Config is the per-process sandbox declaration carried in spawn requests.
type Config struct {
	Kind       string            `json:"kind"` // none, pty, container
	Image      string            `json:"image,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Network    string            `json:"network,omitempty"`
	MemoryMB   int64             `json:"memoryMb,omitempty"`
	CPUQuota   int64             `json:"cpuQuota,omitempty"`
}

const (
	KindNone      = "none"
	KindPTY       = "pty"
	KindContainer = "container"
)

// ShellSession is one interactive shell, local or containerized. Reads
// return combined output; writes feed stdin.
type ShellSession interface {
	io.ReadWriteCloser
	// Resize changes the terminal window size. Container sessions without
	// a TTY treat this as a no-op.
	Resize(cols, rows uint16) error
	// Wait blocks until the shell exits and returns its exit code.
	Wait() (int, error)
	// Kill terminates the shell immediately.
	Kill() error
}

// PTYBackend spawns local pseudoterminal shells.
type PTYBackend interface {
	SpawnShell(ctx context.Context, cwd string, env []string, cols, rows uint16) (ShellSession, error)
}

// ContainerBackend spawns containerized shells and one-shot execs.
type ContainerBackend interface {
	// SpawnShell creates and starts a container shell for the given pid.
	// A nil session with a nil error means the backend declined (for
	// example, no runnable image) and the caller should fall back to PTY.
	SpawnShell(ctx context.Context, pid uint64, cfg Config) (ShellSession, error)
	// Exec runs a command inside the pid's container and returns combined
	// output and the exit code.
	Exec(ctx context.Context, pid uint64, cmd []string, timeout time.Duration) (string, int, error)
	// Kill force-stops and removes the pid's container.
	Kill(ctx context.Context, pid uint64) error
	// Count returns the number of live containers owned by the kernel.
	Count(ctx context.Context) (int, error)
	// Ping reports whether the substrate is reachable.
	Ping(ctx context.Context) error
	Close() error
}
