package threadentity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/core/ports"
	"github.com/kandev/kandev/internal/provisioner"
	"github.com/kandev/kandev/internal/sessionstore"
)

type stubSandbox struct{ n int }

func (s *stubSandbox) Create(ctx context.Context, threadID, guildID string, timeout time.Duration) (ports.SandboxHandle, error) {
	s.n++
	return ports.SandboxHandle{SandboxID: "sb"}, nil
}
func (s *stubSandbox) Exec(ctx context.Context, sandboxID, label, command, cwd string, env map[string]string) (string, error) {
	return "", nil
}
func (s *stubSandbox) Start(ctx context.Context, sandboxID string, timeout time.Duration) error { return nil }
func (s *stubSandbox) Stop(ctx context.Context, sandboxID string) error                         { return nil }
func (s *stubSandbox) Destroy(ctx context.Context, sandboxID string) error                      { return nil }
func (s *stubSandbox) GetPreview(ctx context.Context, sandboxID string) (string, string, error) {
	return "http://x", "tok", nil
}

type stubAgent struct {
	mu       sync.Mutex
	sessions map[string]string
	sent     []string
}

func newStubAgent() *stubAgent { return &stubAgent{sessions: map[string]string{}} }

func (a *stubAgent) WaitForHealthy(ctx context.Context, preview ports.Preview, maxWait time.Duration) bool {
	return true
}
func (a *stubAgent) CreateSession(ctx context.Context, preview ports.Preview, title string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := "sess-1"
	a.sessions[id] = title
	return id, nil
}
func (a *stubAgent) SessionExists(ctx context.Context, preview ports.Preview, sessionID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[sessionID]
	return ok, nil
}
func (a *stubAgent) ListSessions(ctx context.Context, preview ports.Preview, limit int) ([]ports.SessionSummary, error) {
	return nil, nil
}
func (a *stubAgent) SendPrompt(ctx context.Context, preview ports.Preview, sessionID, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return "reply:" + text, nil
}
func (a *stubAgent) AbortSession(ctx context.Context, preview ports.Preview, sessionID string) error { return nil }

type stubImage struct{}

func (stubImage) Install(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string) error { return nil }
func (stubImage) Restart(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string) error { return nil }
func (stubImage) LogTail(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string, lines int) (string, error) {
	return "", nil
}

type stubHistory struct{ calls int }

func (h *stubHistory) Rehydrate(ctx context.Context, threadID, latestUserText string) (string, error) {
	h.calls++
	return "[history]" + latestUserText, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newTestRegistry(t *testing.T) (*Registry, *stubAgent, *stubHistory) {
	store := sessionstore.NewMemory()
	agent := newStubAgent()
	prov := provisioner.New(store, &stubSandbox{}, agent, stubImage{}, nil, provisioner.Config{
		SandboxCreationTimeout: time.Second, StartupHealthTimeoutMs: 50, ResumeHealthTimeoutMs: 50,
		ActiveHealthCheckTimeoutMs: 50, ReusePolicy: provisioner.ReuseResumePreferred,
	}, testLogger(t))
	hist := &stubHistory{}
	reg := New(store, prov, hist, 0, nil, testLogger(t))
	return reg, agent, hist
}

func TestSendFirstMessageProvisionsAndReplies(t *testing.T) {
	reg, agent, hist := newTestRegistry(t)
	ctx := context.Background()
	key := Key("t1", true)

	res, err := reg.Send(ctx, key, "t1", "c1", "g1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Text != "reply:hello" {
		t.Fatalf("unexpected reply: %s", res.Text)
	}
	if hist.calls != 0 {
		t.Fatalf("expected no rehydration on first send, got %d calls", hist.calls)
	}
	if len(agent.sent) != 1 {
		t.Fatalf("expected exactly one prompt sent, got %d", len(agent.sent))
	}
}

func TestSendSecondMessageReusesSessionNoChurn(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	key := Key("t1", true)

	first, _ := reg.Send(ctx, key, "t1", "c1", "g1", "one")
	second, _ := reg.Send(ctx, key, "t1", "c1", "g1", "two")

	if second.ChangedSession {
		t.Fatalf("expected no session change on the second send")
	}
	if second.Session.AgentSessionID != first.Session.AgentSessionID {
		t.Fatalf("expected same agent session id across sends")
	}
}

func TestStatusDoesNotTouchActivity(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	key := Key("t1", true)

	_, _ = reg.Send(ctx, key, "t1", "c1", "g1", "hi")
	before, _ := reg.store.GetByThread(ctx, "t1")
	rec, err := reg.Status(ctx, key, "t1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec == nil || rec.Status == "" {
		t.Fatalf("expected a loaded session record")
	}
	after, _ := reg.store.GetByThread(ctx, "t1")
	if before == nil || after == nil || !after.LastActivity.Equal(before.LastActivity) {
		t.Fatalf("expected Status to leave LastActivity unchanged")
	}
}
