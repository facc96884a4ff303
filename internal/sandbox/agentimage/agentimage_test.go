package agentimage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/core/ports"
)

type fakeSandbox struct {
	execs []string
}

func (f *fakeSandbox) Create(ctx context.Context, threadID, guildID string, timeout time.Duration) (ports.SandboxHandle, error) {
	return ports.SandboxHandle{}, nil
}

func (f *fakeSandbox) Exec(ctx context.Context, sandboxID, label, command, cwd string, env map[string]string) (string, error) {
	f.execs = append(f.execs, command)
	return "ok", nil
}

func (f *fakeSandbox) Start(ctx context.Context, sandboxID string, timeout time.Duration) error {
	return nil
}
func (f *fakeSandbox) Stop(ctx context.Context, sandboxID string) error    { return nil }
func (f *fakeSandbox) Destroy(ctx context.Context, sandboxID string) error { return nil }
func (f *fakeSandbox) GetPreview(ctx context.Context, sandboxID string) (string, string, error) {
	return "", "", nil
}

type mapProvider map[string]string

func (m mapProvider) Name() string { return "test" }
func (m mapProvider) GetCredential(ctx context.Context, key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

func TestInstallWritesEnvAndStarts(t *testing.T) {
	sandbox := &fakeSandbox{}
	creds := mapProvider{"AUGMENT_SESSION_AUTH": "tok-123"}
	img := New(DefaultDescriptor(), creds, testLogger(t))

	if err := img.Install(context.Background(), sandbox, "sbx-1"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(sandbox.execs) != 2 {
		t.Fatalf("expected 2 execs (envfile + start), got %d: %v", len(sandbox.execs), sandbox.execs)
	}
	if !strings.Contains(sandbox.execs[0], "AUGMENT_SESSION_AUTH=tok-123") {
		t.Fatalf("expected env file exec to carry credential, got %q", sandbox.execs[0])
	}
	if sandbox.execs[1] != DefaultDescriptor().StartCommand {
		t.Fatalf("expected start command, got %q", sandbox.execs[1])
	}
}

func TestInstallMissingCredential(t *testing.T) {
	sandbox := &fakeSandbox{}
	img := New(DefaultDescriptor(), mapProvider{}, testLogger(t))

	err := img.Install(context.Background(), sandbox, "sbx-1")
	if err == nil {
		t.Fatalf("expected error for missing credential")
	}
	if len(sandbox.execs) != 0 {
		t.Fatalf("expected no execs when credential resolution fails")
	}
}

func TestRestart(t *testing.T) {
	sandbox := &fakeSandbox{}
	img := New(DefaultDescriptor(), mapProvider{}, testLogger(t))

	if err := img.Restart(context.Background(), sandbox, "sbx-1"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if len(sandbox.execs) != 1 || sandbox.execs[0] != DefaultDescriptor().StartCommand {
		t.Fatalf("unexpected execs: %v", sandbox.execs)
	}
}

func TestLogTail(t *testing.T) {
	sandbox := &fakeSandbox{}
	img := New(DefaultDescriptor(), mapProvider{}, testLogger(t))

	out, err := img.LogTail(context.Background(), sandbox, "sbx-1", 50)
	if err != nil {
		t.Fatalf("LogTail: %v", err)
	}
	if out != "ok" {
		t.Fatalf("got %q", out)
	}
	if !strings.Contains(sandbox.execs[0], "tail -n 50") {
		t.Fatalf("expected tail command, got %q", sandbox.execs[0])
	}
}

func TestEnvProviderPrefix(t *testing.T) {
	t.Setenv("KANDEV_FOO", "bar")
	p := NewEnvProvider("KANDEV_")
	v, ok := p.GetCredential(context.Background(), "FOO")
	if !ok || v != "bar" {
		t.Fatalf("expected prefixed lookup to succeed, got %q %v", v, ok)
	}
}
