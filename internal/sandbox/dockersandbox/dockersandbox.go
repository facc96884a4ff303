// Package dockersandbox implements ports.SandboxAPI against the Docker
// Engine. Grounded on internal/agent/docker/client.go: the same
// container.Config/HostConfig construction, the same
// Create/Start/Stop/Remove/Logs call shape, renamed onto the SandboxAPI
// contract (create/start/stop/destroy/exec/getPreview).
package dockersandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/ports"
)

// Sandbox is a Docker-backed ports.SandboxAPI: one container per thread
// session.
type Sandbox struct {
	cli    *dockerclient.Client
	log    *logger.Logger
	cfg    config.DockerConfig
	image  string
	labels map[string]string

	// previewPort is the container port the agent server listens on; the
	// preview URL exposes it through the published host port.
	previewPort string
}

// New constructs a Sandbox from an already-negotiated Docker client.
func New(cli *dockerclient.Client, cfg config.DockerConfig, image, previewPort string, log *logger.Logger) *Sandbox {
	return &Sandbox{
		cli:         cli,
		cfg:         cfg,
		image:       image,
		previewPort: previewPort,
		labels:      map[string]string{"kandev.component": "session-sandbox"},
		log:         log.WithFields(zap.String("component", "dockersandbox")),
	}
}

// Create starts a fresh container for threadID, returning its sandbox id
// once the create call succeeds (the caller is responsible for polling
// health; Create itself does not block on readiness).
func (s *Sandbox) Create(ctx context.Context, threadID, guildID string, timeout time.Duration) (ports.SandboxHandle, error) {
	createCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := fmt.Sprintf("kandev-session-%s", sanitize(threadID))
	s.log.Info("creating sandbox container", zap.String("thread_id", threadID), zap.String("name", name))

	containerCfg := &container.Config{
		Image: s.image,
		Env:   []string{"THREAD_ID=" + threadID, "GUILD_ID=" + guildID},
		Labels: mergeLabels(s.labels, map[string]string{
			"kandev.thread_id": threadID,
			"kandev.guild_id":  guildID,
		}),
		ExposedPorts: nil,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(s.cfg.DefaultNetwork),
		AutoRemove:  false,
		PublishAllPorts: true,
	}

	resp, err := s.cli.ContainerCreate(createCtx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return ports.SandboxHandle{}, &coreerrors.SandboxCreateError{Err: fmt.Errorf("container create: %w", err)}
	}

	if err := s.cli.ContainerStart(createCtx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return ports.SandboxHandle{}, &coreerrors.SandboxCreateError{Err: fmt.Errorf("container start: %w", err)}
	}

	s.log.Info("sandbox container started", zap.String("sandbox_id", resp.ID))
	return ports.SandboxHandle{SandboxID: resp.ID}, nil
}

// Exec runs command inside sandboxID using the Docker exec API (a
// short-lived exec process, not the container's main attach stream).
func (s *Sandbox) Exec(ctx context.Context, sandboxID, label, command, cwd string, env map[string]string) (string, error) {
	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		Env:          envSlice,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := s.cli.ContainerExecCreate(ctx, sandboxID, execCfg)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", &coreerrors.SandboxNotFoundError{SandboxID: sandboxID}
		}
		return "", &coreerrors.SandboxExecError{SandboxID: sandboxID, Command: command, Err: err}
	}

	attach, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", &coreerrors.SandboxExecError{SandboxID: sandboxID, Command: command, Err: err}
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return "", &coreerrors.SandboxExecError{SandboxID: sandboxID, Command: command, Err: err}
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), &coreerrors.SandboxExecError{SandboxID: sandboxID, Command: command, Err: err}
	}
	if inspect.ExitCode != 0 {
		s.log.Warn("sandbox exec non-zero exit",
			zap.String("sandbox_id", sandboxID), zap.String("label", label), zap.Int("exit_code", inspect.ExitCode))
		return stdout.String(), &coreerrors.SandboxExecError{
			SandboxID: sandboxID, Command: command,
			Err: fmt.Errorf("exit code %d: %s", inspect.ExitCode, stderr.String()),
		}
	}

	return stdout.String(), nil
}

// Start restarts a previously stopped container (spec §4.3.2 step 2).
func (s *Sandbox) Start(ctx context.Context, sandboxID string, timeout time.Duration) error {
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.cli.ContainerStart(startCtx, sandboxID, container.StartOptions{}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return &coreerrors.SandboxNotFoundError{SandboxID: sandboxID}
		}
		return &coreerrors.SandboxStartError{SandboxID: sandboxID, Err: err}
	}
	return nil
}

// Stop gracefully stops the container, leaving it in place for a later
// resume (spec §4.3.5 pause).
func (s *Sandbox) Stop(ctx context.Context, sandboxID string) error {
	timeoutSeconds := 10
	if err := s.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return &coreerrors.SandboxNotFoundError{SandboxID: sandboxID}
		}
		return fmt.Errorf("dockersandbox: stop %s: %w", sandboxID, err)
	}
	return nil
}

// Destroy force-removes the container (spec §4.3.5 destroy).
func (s *Sandbox) Destroy(ctx context.Context, sandboxID string) error {
	if err := s.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("dockersandbox: destroy %s: %w", sandboxID, err)
	}
	return nil
}

// GetPreview resolves the published host port for previewPort and returns
// the URL the AgentClient should reach the sandbox at.
func (s *Sandbox) GetPreview(ctx context.Context, sandboxID string) (string, string, error) {
	inspect, err := s.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", "", &coreerrors.SandboxNotFoundError{SandboxID: sandboxID}
		}
		return "", "", fmt.Errorf("dockersandbox: inspect %s: %w", sandboxID, err)
	}

	bindings, ok := inspect.NetworkSettings.Ports[nat.Port(s.previewPort+"/tcp")]
	if !ok || len(bindings) == 0 {
		return "", "", &coreerrors.SandboxDeadError{Reason: "no published preview port", Err: nil}
	}

	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort)
	return url, sandboxID, nil
}

func sanitize(threadID string) string {
	out := make([]rune, 0, len(threadID))
	for _, r := range threadID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

func mergeLabels(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

