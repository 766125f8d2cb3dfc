package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
)

const containerLabel = "aether.pid"

// DockerBackend implements ContainerBackend on the Docker SDK. Containers
// are labeled with the owning pid so they can be found again after restarts.
type DockerBackend struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig

	mu         sync.Mutex
	containers map[uint64]string // pid -> container id
}

// NewDockerBackend creates the backend and verifies daemon reachability.
func NewDockerBackend(cfg config.DockerConfig, log *logger.Logger) (*DockerBackend, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	b := &DockerBackend{
		cli:        cli,
		logger:     log.WithFields(zap.String("component", "docker-backend")),
		config:     cfg,
		containers: make(map[uint64]string),
	}
	return b, nil
}

// Ping checks if the Docker daemon is available.
func (b *DockerBackend) Ping(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Close closes the Docker client. Running containers are left alone; the
// process manager stops them before shutdown reaches here.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// SpawnShell creates, starts and attaches a container shell for pid.
func (b *DockerBackend) SpawnShell(ctx context.Context, pid uint64, cfg Config) (ShellSession, error) {
	img := cfg.Image
	if img == "" {
		img = b.config.DefaultImage
	}
	cmd := cfg.Cmd
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh"}
	}

	if err := b.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:        img,
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       map[string]string{containerLabel: fmt.Sprintf("%d", pid)},
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkMode(cfg.Network)),
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:   cfg.MemoryMB * 1024 * 1024,
			CPUQuota: cfg.CPUQuota,
		},
	}
	if cfg.WorkingDir != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: cfg.WorkingDir,
			Target: "/workspace",
		}}
		containerCfg.WorkingDir = "/workspace"
	}

	name := fmt.Sprintf("aether-pid-%d", pid)
	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	attach, err := b.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = b.removeContainer(context.Background(), resp.ID)
		return nil, fmt.Errorf("failed to attach to container %s: %w", resp.ID, err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = b.removeContainer(context.Background(), resp.ID)
		return nil, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	b.mu.Lock()
	b.containers[pid] = resp.ID
	b.mu.Unlock()

	b.logger.Info("container shell started",
		zap.Uint64("pid", pid),
		zap.String("container_id", resp.ID),
		zap.String("image", img))

	return &containerSession{
		backend:     b,
		containerID: resp.ID,
		pid:         pid,
		conn:        attach.Conn,
		reader:      attach.Reader,
	}, nil
}

// Exec runs a one-shot command inside the pid's container.
func (b *DockerBackend) Exec(ctx context.Context, pid uint64, cmd []string, timeout time.Duration) (string, int, error) {
	b.mu.Lock()
	containerID, ok := b.containers[pid]
	b.mu.Unlock()
	if !ok {
		return "", -1, fmt.Errorf("no container for pid %d", pid)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execResp, err := b.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", -1, fmt.Errorf("exec create failed: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("exec attach failed: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	demultiplexStream(attach.Reader, &out)

	inspect, err := b.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return out.String(), -1, fmt.Errorf("exec inspect failed: %w", err)
	}
	return out.String(), inspect.ExitCode, nil
}

// Kill force-stops and removes the pid's container.
func (b *DockerBackend) Kill(ctx context.Context, pid uint64) error {
	b.mu.Lock()
	containerID, ok := b.containers[pid]
	delete(b.containers, pid)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.removeContainer(ctx, containerID)
}

// Count returns the number of live containers the kernel owns.
func (b *DockerBackend) Count(ctx context.Context) (int, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", containerLabel)
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{Filters: filterArgs})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	return len(containers), nil
}

func (b *DockerBackend) ensureImage(ctx context.Context, imageName string) error {
	if _, err := b.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	b.logger.Info("pulling image", zap.String("image", imageName))
	reader, err := b.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

func (b *DockerBackend) removeContainer(ctx context.Context, containerID string) error {
	err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		b.logger.WithError(err).Warn("failed to remove container",
			zap.String("container_id", containerID))
	}
	return err
}

func networkMode(mode string) string {
	if mode == "" {
		return "bridge"
	}
	return mode
}

// containerSession adapts an attached container to ShellSession.
type containerSession struct {
	backend     *DockerBackend
	containerID string
	pid         uint64
	conn        net.Conn
	reader      io.Reader

	closeOnce sync.Once
}

func (s *containerSession) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *containerSession) Write(p []byte) (int, error) { return s.conn.Write(p) }

func (s *containerSession) Close() error {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
	return nil
}

func (s *containerSession) Resize(cols, rows uint16) error {
	return s.backend.cli.ContainerResize(context.Background(), s.containerID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

func (s *containerSession) Wait() (int, error) {
	statusCh, errCh := s.backend.cli.ContainerWait(context.Background(), s.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container %s: %w", s.containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

func (s *containerSession) Kill() error {
	return s.backend.Kill(context.Background(), s.pid)
}

// demultiplexStream reads Docker's multiplexed stream format (8-byte frame
// headers when Tty=false) and writes stdout and stderr payloads to w.
func demultiplexStream(r io.Reader, w io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			_, _ = w.Write(data)
		}
	}
}
