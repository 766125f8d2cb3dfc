//go:build !windows

package sandbox

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// LocalPTYBackend spawns shells on a Unix pseudoterminal.
type LocalPTYBackend struct {
	// Shell overrides the user's login shell. Empty means $SHELL or /bin/bash.
	Shell string
}

// NewLocalPTYBackend returns the default local backend.
func NewLocalPTYBackend() *LocalPTYBackend {
	return &LocalPTYBackend{}
}

func (b *LocalPTYBackend) shellPath() string {
	if b.Shell != "" {
		return b.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// SpawnShell starts an interactive shell in a fresh PTY.
func (b *LocalPTYBackend) SpawnShell(ctx context.Context, cwd string, env []string, cols, rows uint16) (ShellSession, error) {
	cmd := exec.CommandContext(ctx, b.shellPath(), "-i")
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &ptySession{f: f, cmd: cmd}, nil
}

// ptySession wraps a Unix PTY master file descriptor and its child.
type ptySession struct {
	f   *os.File
	cmd *exec.Cmd

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (s *ptySession) Read(b []byte) (int, error)  { return s.f.Read(b) }
func (s *ptySession) Write(b []byte) (int, error) { return s.f.Write(b) }

func (s *ptySession) Close() error {
	err := s.f.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGHUP)
	}
	return err
}

func (s *ptySession) Resize(cols, rows uint16) error {
	return pty.Setsize(s.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (s *ptySession) Wait() (int, error) {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		s.exitCode = s.cmd.ProcessState.ExitCode()
	})
	if s.waitErr != nil {
		if _, ok := s.waitErr.(*exec.ExitError); ok {
			return s.exitCode, nil
		}
		return s.exitCode, s.waitErr
	}
	return s.exitCode, nil
}

func (s *ptySession) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}
