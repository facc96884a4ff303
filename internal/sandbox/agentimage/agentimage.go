// Package agentimage implements provisioner.AgentImage: installing and
// restarting the agent HTTP server inside a freshly created or resumed
// sandbox. Grounded on internal/agent/registry's single-descriptor shape
// (AgentTypeConfig's ID/Image/Tag/WorkingDir/RequiredEnv fields, minus the
// multi-agent-type registry machinery this domain doesn't need — spec §1
// runs exactly one agent image) and internal/agent/credentials'
// provider-lookup pattern (env var, optionally prefixed, source-tagged),
// re-purposed from "pick a credential to pass to a new container" into
// "write a credential into an already-running one".
package agentimage

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/ports"
)

// Descriptor names the single agent image this deployment runs (spec §1:
// one agent image per sandbox, no per-thread agent-type selection).
type Descriptor struct {
	ID          string
	Image       string
	Tag         string
	WorkingDir  string
	RequiredEnv []string
	// StartCommand is run on install and on every restart; it must be
	// idempotent (e.g. a supervisor restart, not a bare launch) since
	// Restart re-invokes it on an already-installed sandbox.
	StartCommand string
	// EnvFilePath is where the resolved credentials are written inside the
	// sandbox before StartCommand runs.
	EnvFilePath string
}

// DefaultDescriptor mirrors the teacher's only configured agent type,
// renamed onto this domain's single-image model.
func DefaultDescriptor() Descriptor {
	return Descriptor{
		ID:           "augment-agent",
		Image:        "kandev/augment-agent",
		Tag:          "latest",
		WorkingDir:   "/workspace",
		RequiredEnv:  []string{"AUGMENT_SESSION_AUTH"},
		StartCommand: "agent-ctl restart",
		EnvFilePath:  "/etc/kandev/agent.env",
	}
}

// CredentialProvider resolves a named credential, typically from the
// orchestrator process's own environment.
type CredentialProvider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (value string, found bool)
}

// EnvProvider resolves credentials from the orchestrator's environment,
// optionally under a prefix (spec §0 ambient config convention of
// KANDEV_-prefixed overrides).
type EnvProvider struct {
	prefix string
}

// NewEnvProvider constructs an EnvProvider. prefix may be empty.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "environment" }

// GetCredential checks the exact key first, then the prefixed key.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (string, bool) {
	if v := os.Getenv(key); v != "" {
		return v, true
	}
	if p.prefix != "" {
		if v := os.Getenv(p.prefix + key); v != "" {
			return v, true
		}
	}
	return "", false
}

// InstallError indicates the image could not be installed into a sandbox,
// most often because a required credential was not resolvable.
type InstallError struct {
	SandboxID string
	Reason    string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("agentimage: install into %s failed: %s", e.SandboxID, e.Reason)
}
func (e *InstallError) Retriable() bool { return false }

// Image adapts a Descriptor + CredentialProvider into a
// provisioner.AgentImage.
type Image struct {
	descriptor Descriptor
	creds      CredentialProvider
	log        *logger.Logger
}

// New constructs an Image.
func New(descriptor Descriptor, creds CredentialProvider, log *logger.Logger) *Image {
	return &Image{
		descriptor: descriptor,
		creds:      creds,
		log:        log.WithFields(zap.String("component", "agentimage")),
	}
}

// Install resolves every required credential, writes them into the
// sandbox as a dotenv file, and runs the descriptor's start command
// (spec §4.3.1 step 3).
func (img *Image) Install(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string) error {
	env, err := img.resolveEnv(ctx, sandboxID)
	if err != nil {
		return err
	}
	if err := img.writeEnvFile(ctx, sandbox, sandboxID, env); err != nil {
		return err
	}
	if _, err := sandbox.Exec(ctx, sandboxID, "agentimage-install", img.descriptor.StartCommand, img.descriptor.WorkingDir, nil); err != nil {
		return &coreerrors.SandboxExecError{SandboxID: sandboxID, Command: img.descriptor.StartCommand, Err: err}
	}
	img.log.Info("installed agent image", zap.String("sandbox_id", sandboxID), zap.String("image", img.descriptor.ID))
	return nil
}

// Restart re-runs the start command against an already-installed sandbox
// (spec §4.3.2 step 3, best-effort per Provisioner.Resume).
func (img *Image) Restart(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string) error {
	if _, err := sandbox.Exec(ctx, sandboxID, "agentimage-restart", img.descriptor.StartCommand, img.descriptor.WorkingDir, nil); err != nil {
		return &coreerrors.SandboxExecError{SandboxID: sandboxID, Command: img.descriptor.StartCommand, Err: err}
	}
	return nil
}

// LogTail returns the agent server's last N lines, used by Provisioner to
// enrich a failed-health-poll log entry (spec §4.3.1 step 5).
func (img *Image) LogTail(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string, lines int) (string, error) {
	cmd := fmt.Sprintf("tail -n %d /var/log/kandev/agent.log 2>/dev/null || true", lines)
	out, err := sandbox.Exec(ctx, sandboxID, "agentimage-logtail", cmd, img.descriptor.WorkingDir, nil)
	if err != nil {
		return "", &coreerrors.SandboxExecError{SandboxID: sandboxID, Command: cmd, Err: err}
	}
	return out, nil
}

func (img *Image) resolveEnv(ctx context.Context, sandboxID string) (map[string]string, error) {
	env := make(map[string]string, len(img.descriptor.RequiredEnv))
	for _, key := range img.descriptor.RequiredEnv {
		value, found := img.creds.GetCredential(ctx, key)
		if !found {
			return nil, &InstallError{SandboxID: sandboxID, Reason: fmt.Sprintf("missing required credential %s", key)}
		}
		env[key] = value
	}
	return env, nil
}

// writeEnvFile shells a heredoc into the sandbox rather than relying on
// SandboxAPI exposing a dedicated file-write primitive, matching
// dockersandbox's Exec-is-the-only-mutation-path design.
func (img *Image) writeEnvFile(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string, env map[string]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %s && cat > %s <<'KANDEV_ENV_EOF'\n", dirOf(img.descriptor.EnvFilePath), img.descriptor.EnvFilePath)
	for k, v := range env {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	b.WriteString("KANDEV_ENV_EOF\n")

	if _, err := sandbox.Exec(ctx, sandboxID, "agentimage-envfile", b.String(), img.descriptor.WorkingDir, nil); err != nil {
		return &coreerrors.SandboxExecError{SandboxID: sandboxID, Command: "write env file", Err: err}
	}
	return nil
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}
