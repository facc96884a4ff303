package turnpipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/kandev/internal/common/logger"
	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/ports"
	"github.com/kandev/kandev/internal/ingressdedup"
	"github.com/kandev/kandev/internal/provisioner"
	"github.com/kandev/kandev/internal/sessionstore"
	"github.com/kandev/kandev/internal/threadentity"
)

// fakeInbox replays a fixed slice of events then reports exhaustion.
type fakeInbox struct {
	mu     sync.Mutex
	events []ports.InboundEvent
	i      int
}

func (f *fakeInbox) Next(ctx context.Context) (ports.InboundEvent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.events) {
		return ports.InboundEvent{}, false, nil
	}
	e := f.events[f.i]
	f.i++
	return e, true, nil
}

type recordedOutbox struct {
	mu        sync.Mutex
	published []ports.OutboundAction
}

func (o *recordedOutbox) Publish(ctx context.Context, action ports.OutboundAction) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published = append(o.published, action)
	return nil
}

func (o *recordedOutbox) WithTyping(ctx context.Context, threadID string, body func(ctx context.Context) error) error {
	return body(ctx)
}

func (o *recordedOutbox) snapshot() []ports.OutboundAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ports.OutboundAction, len(o.published))
	copy(out, o.published)
	return out
}

type fakeThreads struct{ nextID int }

func (f *fakeThreads) Ensure(ctx context.Context, event ports.InboundEvent, suggestedName string) (string, string, error) {
	f.nextID++
	return "created-thread", event.ChannelID, nil
}

type fakeRouter struct{ respond bool }

func (f *fakeRouter) ShouldRespond(ctx context.Context, in ports.RouteInput) (bool, string, error) {
	return f.respond, "fake router", nil
}

func (f *fakeRouter) GenerateThreadName(ctx context.Context, content string) (string, error) {
	return "generated-name", nil
}

type stubSandbox struct{}

func (stubSandbox) Create(ctx context.Context, threadID, guildID string, timeout time.Duration) (ports.SandboxHandle, error) {
	return ports.SandboxHandle{SandboxID: "sb-" + threadID}, nil
}
func (stubSandbox) Exec(ctx context.Context, sandboxID, label, command, cwd string, env map[string]string) (string, error) {
	return "", nil
}
func (stubSandbox) Start(ctx context.Context, sandboxID string, timeout time.Duration) error { return nil }
func (stubSandbox) Stop(ctx context.Context, sandboxID string) error                         { return nil }
func (stubSandbox) Destroy(ctx context.Context, sandboxID string) error                      { return nil }
func (stubSandbox) GetPreview(ctx context.Context, sandboxID string) (string, string, error) {
	return "http://" + sandboxID, "tok", nil
}

type flakyAgent struct {
	mu       sync.Mutex
	sent     []string
	failOnce bool
	sessions map[string]string
	nextID   int
}

func newFlakyAgent() *flakyAgent { return &flakyAgent{sessions: map[string]string{}} }

func (a *flakyAgent) WaitForHealthy(ctx context.Context, preview ports.Preview, maxWait time.Duration) bool {
	return true
}
func (a *flakyAgent) CreateSession(ctx context.Context, preview ports.Preview, title string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := "sess"
	a.sessions[id] = title
	_ = a.nextID
	return id, nil
}
func (a *flakyAgent) SessionExists(ctx context.Context, preview ports.Preview, sessionID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[sessionID]
	return ok, nil
}
func (a *flakyAgent) ListSessions(ctx context.Context, preview ports.Preview, limit int) ([]ports.SessionSummary, error) {
	return nil, nil
}
func (a *flakyAgent) SendPrompt(ctx context.Context, preview ports.Preview, sessionID, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failOnce {
		a.failOnce = false
		return "", &coreerrors.AgentClientError{Operation: "send", StatusCode: 503, Kind: coreerrors.KindSandboxDown}
	}
	a.sent = append(a.sent, text)
	return "reply:" + text, nil
}
func (a *flakyAgent) AbortSession(ctx context.Context, preview ports.Preview, sessionID string) error { return nil }

type stubImage struct{}

func (stubImage) Install(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string) error { return nil }
func (stubImage) Restart(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string) error { return nil }
func (stubImage) LogTail(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string, lines int) (string, error) {
	return "", nil
}

type stubHistory struct{}

func (stubHistory) Rehydrate(ctx context.Context, threadID, latestUserText string) (string, error) {
	return latestUserText, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newTestPipeline(t *testing.T, inbox *fakeInbox, router *fakeRouter, agent *flakyAgent) (*Pipeline, *recordedOutbox) {
	store := sessionstore.NewMemory()
	prov := provisioner.New(store, stubSandbox{}, agent, stubImage{}, nil, provisioner.Config{
		SandboxCreationTimeout: time.Second, StartupHealthTimeoutMs: 50, ResumeHealthTimeoutMs: 50,
		ActiveHealthCheckTimeoutMs: 50, ReusePolicy: provisioner.ReuseResumePreferred,
	}, testLogger(t))
	entity := threadentity.New(store, prov, stubHistory{}, 0, nil, testLogger(t))
	outbox := &recordedOutbox{}
	p := New(inbox, outbox, &fakeThreads{}, router, ingressdedup.New(4000), entity,
		RetryConfig{BaseDelay: time.Millisecond, MaxExtraTries: 2}, testLogger(t))
	return p, outbox
}

// TestFirstMessageInThreadDispatches covers the spec's seed vector 1: a
// mentioned thread message provisions and sends.
func TestFirstMessageInThreadDispatches(t *testing.T) {
	inbox := &fakeInbox{events: []ports.InboundEvent{
		{MessageID: "m1", ThreadID: "t1", ChannelID: "c1", GuildID: "g1", Content: "hello", BotUserID: "bot", MentionedUserIDs: []string{"bot"}},
	}}
	agent := newFlakyAgent()
	p, outbox := newTestPipeline(t, inbox, &fakeRouter{respond: true}, agent)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitForCondition(t, func() bool { return len(outbox.snapshot()) == 1 })

	got := outbox.snapshot()
	if got[0].Text != "reply:hello" {
		t.Fatalf("unexpected published text: %+v", got)
	}
}

// TestDuplicateDeliveryHandledOnce covers seed vector 2: the same message id
// arriving twice only dispatches once.
func TestDuplicateDeliveryHandledOnce(t *testing.T) {
	evt := ports.InboundEvent{MessageID: "dup", ThreadID: "t1", ChannelID: "c1", GuildID: "g1", Content: "hi", BotUserID: "bot", MentionedUserIDs: []string{"bot"}}
	inbox := &fakeInbox{events: []ports.InboundEvent{evt, evt}}
	agent := newFlakyAgent()
	p, outbox := newTestPipeline(t, inbox, &fakeRouter{respond: true}, agent)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitForCondition(t, func() bool { return len(outbox.snapshot()) >= 1 })
	time.Sleep(20 * time.Millisecond)

	if len(outbox.snapshot()) != 1 {
		t.Fatalf("expected exactly one publish for duplicate delivery, got %d", len(outbox.snapshot()))
	}
}

// TestSandboxDownRecoversAndRetriesWithinSend covers seed vector 3: a
// sandbox-down SendPrompt failure is recovered inside ThreadEntity.Send
// without the pipeline itself needing to retry.
func TestSandboxDownRecoversAndRetriesWithinSend(t *testing.T) {
	inbox := &fakeInbox{events: []ports.InboundEvent{
		{MessageID: "m1", ThreadID: "t1", ChannelID: "c1", GuildID: "g1", Content: "flaky", BotUserID: "bot", MentionedUserIDs: []string{"bot"}},
	}}
	agent := newFlakyAgent()
	agent.failOnce = true
	p, outbox := newTestPipeline(t, inbox, &fakeRouter{respond: true}, agent)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitForCondition(t, func() bool { return len(outbox.snapshot()) == 1 })

	got := outbox.snapshot()
	if got[0].Text != "reply:flaky" {
		t.Fatalf("expected eventual success after one recovered send, got %+v", got)
	}
}

// TestConcurrentKeysDoNotBlockEachOther covers seed vector 4: two distinct
// thread keys processed from the same inbox both get dispatched.
func TestConcurrentKeysDoNotBlockEachOther(t *testing.T) {
	inbox := &fakeInbox{events: []ports.InboundEvent{
		{MessageID: "m1", ThreadID: "t1", ChannelID: "c1", GuildID: "g1", Content: "one", BotUserID: "bot", MentionedUserIDs: []string{"bot"}},
		{MessageID: "m2", ThreadID: "t2", ChannelID: "c2", GuildID: "g1", Content: "two", BotUserID: "bot", MentionedUserIDs: []string{"bot"}},
	}}
	agent := newFlakyAgent()
	p, outbox := newTestPipeline(t, inbox, &fakeRouter{respond: true}, agent)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitForCondition(t, func() bool { return len(outbox.snapshot()) == 2 })
}

// TestChannelEventDispatchesOnChannelKey covers a mentioned channel-level
// message (ThreadID empty): it must still provision and dispatch, keyed on
// its own channel keyspace rather than the thread keyspace.
func TestChannelEventDispatchesOnChannelKey(t *testing.T) {
	inbox := &fakeInbox{events: []ports.InboundEvent{
		{MessageID: "m1", ChannelID: "c1", GuildID: "g1", Content: "hello", BotUserID: "bot", MentionedUserIDs: []string{"bot"}},
	}}
	agent := newFlakyAgent()
	p, outbox := newTestPipeline(t, inbox, &fakeRouter{respond: true}, agent)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitForCondition(t, func() bool { return len(outbox.snapshot()) == 1 })

	got := outbox.snapshot()
	if got[0].Text != "reply:hello" {
		t.Fatalf("unexpected published text: %+v", got)
	}
}

// TestConcurrentChannelEventsDoNotBlockEachOther mirrors
// TestConcurrentKeysDoNotBlockEachOther for two channel-level (non-thread)
// events on distinct channels: each must get its own channel:<id> dispatch
// key so neither serializes behind the other.
func TestConcurrentChannelEventsDoNotBlockEachOther(t *testing.T) {
	inbox := &fakeInbox{events: []ports.InboundEvent{
		{MessageID: "m1", ChannelID: "c1", GuildID: "g1", Content: "one", BotUserID: "bot", MentionedUserIDs: []string{"bot"}},
		{MessageID: "m2", ChannelID: "c2", GuildID: "g1", Content: "two", BotUserID: "bot", MentionedUserIDs: []string{"bot"}},
	}}
	agent := newFlakyAgent()
	p, outbox := newTestPipeline(t, inbox, &fakeRouter{respond: true}, agent)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitForCondition(t, func() bool { return len(outbox.snapshot()) == 2 })
}

func TestUnmentionedUnownedThreadIsDropped(t *testing.T) {
	inbox := &fakeInbox{events: []ports.InboundEvent{
		{MessageID: "m1", ThreadID: "t1", ChannelID: "c1", GuildID: "g1", Content: "hello", BotUserID: "bot"},
	}}
	agent := newFlakyAgent()
	p, outbox := newTestPipeline(t, inbox, &fakeRouter{respond: true}, agent)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(outbox.snapshot()) != 0 {
		t.Fatalf("expected no dispatch for an unowned, unmentioned thread, got %+v", outbox.snapshot())
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met before deadline")
	}
}
