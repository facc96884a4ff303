// Package provisioner orchestrates SessionStore, SandboxAPI, and
// AgentClient to realize the session lifecycle state machine (spec §4.3).
// It is pure functional orchestration: no state of its own beyond the
// store it is handed.
//
// Grounded on internal/agent/lifecycle/manager.go's
// validate-acquire-configure-poll-commit shape (Launch) and its
// best-effort teardown on failure, generalized from "launch a container"
// to "provision/resume/ensure a sandboxed agent session".
package provisioner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/model"
	"github.com/kandev/kandev/internal/core/ports"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/sessionstore"
)

// ReusePolicy is the configured behavior when an active record fails its
// health probe (spec §6 sandboxReusePolicy).
type ReusePolicy string

const (
	ReuseResumePreferred ReusePolicy = "resume_preferred"
	ReuseRecreate        ReusePolicy = "recreate"
)

// Config is the subset of the configuration surface (spec §6) the
// Provisioner reads directly.
type Config struct {
	SandboxCreationTimeout     time.Duration
	StartupHealthTimeoutMs     int
	ResumeHealthTimeoutMs      int
	ActiveHealthCheckTimeoutMs int
	ReusePolicy                ReusePolicy
}

// AgentImage installs and restarts the agent server inside a sandbox
// (spec §4.3.1 step 3, §4.3.2 step 3). Concrete implementation lives in
// internal/sandbox/agentimage, adapted from the teacher's agent registry
// and credentials packages.
type AgentImage interface {
	Install(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string) error
	Restart(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string) error
	LogTail(ctx context.Context, sandbox ports.SandboxAPI, sandboxID string, lines int) (string, error)
}

// ResumeOutcome is the tagged result of Resume.
type ResumeOutcome struct {
	Record        *model.SessionRecord
	Failed        bool
	AllowRecreate bool
}

// Provisioner orchestrates the lifecycle state machine.
type Provisioner struct {
	store   sessionstore.Store
	sandbox ports.SandboxAPI
	agent   ports.AgentClient
	image   AgentImage
	events  bus.EventBus
	cfg     Config
	log     *logger.Logger
}

func New(store sessionstore.Store, sandbox ports.SandboxAPI, agent ports.AgentClient, image AgentImage, events bus.EventBus, cfg Config, log *logger.Logger) *Provisioner {
	return &Provisioner{
		store:   store,
		sandbox: sandbox,
		agent:   agent,
		image:   image,
		events:  events,
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "provisioner")),
	}
}

// AgentClient exposes the underlying AgentClient so callers orchestrating
// their own send/retry sequence (ThreadEntity.send) can use it directly.
func (p *Provisioner) AgentClient() ports.AgentClient { return p.agent }

// TailLogs execs a log-tail command in the sandbox (spec §4.4 logs(lines)).
func (p *Provisioner) TailLogs(ctx context.Context, rec *model.SessionRecord, lines int) (string, error) {
	return p.image.LogTail(ctx, p.sandbox, rec.SandboxID, lines)
}

func (p *Provisioner) publish(ctx context.Context, eventType string, rec *model.SessionRecord) {
	if p.events == nil || rec == nil {
		return
	}
	data := map[string]interface{}{
		"thread_id":  rec.ThreadID,
		"sandbox_id": rec.SandboxID,
		"status":     string(rec.Status),
	}
	evt := bus.NewEvent(eventType, "provisioner", data)
	if err := p.events.Publish(ctx, "sessions."+eventType, evt); err != nil {
		p.log.Warn("failed to publish lifecycle event", zap.String("event", eventType), zap.Error(err))
	}
}

// Provision realizes spec §4.3.1.
func (p *Provisioner) Provision(ctx context.Context, threadID, channelID, guildID string) (*model.SessionRecord, error) {
	if err := p.store.UpdateStatus(ctx, threadID, model.StatusCreating, nil); err != nil {
		// No row yet: seed one directly.
		seed := &model.SessionRecord{ThreadID: threadID, ChannelID: channelID, GuildID: guildID, Status: model.StatusCreating}
		if uerr := p.store.Upsert(ctx, seed); uerr != nil {
			return nil, &coreerrors.StorageError{Op: "provision.seed", Err: uerr}
		}
	}

	handle, err := p.sandbox.Create(ctx, threadID, guildID, p.cfg.SandboxCreationTimeout)
	if err != nil {
		p.failProvision(ctx, threadID, fmt.Sprintf("sandbox create failed: %v", err))
		return nil, &coreerrors.SandboxCreateError{Err: err}
	}
	sandboxID := handle.SandboxID

	rec, err := p.finishProvision(ctx, threadID, channelID, guildID, sandboxID)
	if err != nil {
		// Acquire-use-release discipline (spec §5): destroy the orphaned
		// sandbox on any failure between creation and commit.
		_ = p.sandbox.Destroy(ctx, sandboxID)
		p.failProvision(ctx, threadID, err.Error())
		return nil, err
	}

	p.publish(ctx, "session.created", rec)
	return rec, nil
}

func (p *Provisioner) finishProvision(ctx context.Context, threadID, channelID, guildID, sandboxID string) (*model.SessionRecord, error) {
	if err := p.image.Install(ctx, p.sandbox, sandboxID); err != nil {
		return nil, &coreerrors.SandboxCreateError{Err: err}
	}

	url, token, err := p.sandbox.GetPreview(ctx, sandboxID)
	if err != nil {
		return nil, &coreerrors.SandboxCreateError{Err: err}
	}
	preview := ports.Preview{URL: url, Token: token}

	startupTimeout := time.Duration(p.cfg.StartupHealthTimeoutMs) * time.Millisecond
	if !p.pollHealthy(ctx, preview, startupTimeout) {
		tail, _ := p.image.LogTail(ctx, p.sandbox, sandboxID, 200)
		return nil, &coreerrors.SandboxCreateError{LogTail: tail, Err: fmt.Errorf("agent never became healthy within %s", startupTimeout)}
	}

	title := model.CanonicalTitle(threadID)
	sessionID, err := p.agent.CreateSession(ctx, preview, title)
	if err != nil {
		return nil, &coreerrors.SandboxCreateError{Err: fmt.Errorf("create session: %w", err)}
	}

	now := time.Now().UTC()
	rec := &model.SessionRecord{
		ThreadID:       threadID,
		ChannelID:      channelID,
		GuildID:        guildID,
		SandboxID:      sandboxID,
		AgentSessionID: sessionID,
		PreviewURL:     url,
		PreviewToken:   token,
		SessionTitle:   title,
		Status:         model.StatusActive,
		LastError:      nil,
		ResumeFailCount: 0,
		LastHealthOkAt: &now,
	}
	if err := p.store.Upsert(ctx, rec); err != nil {
		return nil, &coreerrors.StorageError{Op: "provision.commit", Err: err}
	}
	return rec, nil
}

func (p *Provisioner) failProvision(ctx context.Context, threadID, reason string) {
	_ = p.store.UpdateStatus(ctx, threadID, model.StatusError, &reason)
}

// pollHealthy polls AgentClient health on a fixed 2s cadence up to budget.
func (p *Provisioner) pollHealthy(ctx context.Context, preview ports.Preview, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	const cadence = 2 * time.Second
	for {
		if p.agent.WaitForHealthy(ctx, preview, cadence) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(cadence):
		}
	}
}

// Resume realizes spec §4.3.2.
func (p *Provisioner) Resume(ctx context.Context, rec *model.SessionRecord) ResumeOutcome {
	switch rec.Status {
	case model.StatusPaused, model.StatusDestroyed, model.StatusError, model.StatusPausing, model.StatusResuming:
	default:
		return ResumeOutcome{Failed: true, AllowRecreate: true}
	}

	threadID := rec.ThreadID
	_ = p.store.UpdateStatus(ctx, threadID, model.StatusResuming, nil)

	if err := p.sandbox.Start(ctx, rec.SandboxID, p.cfg.SandboxCreationTimeout); err != nil {
		var notFound *coreerrors.SandboxNotFoundError
		if isSandboxNotFound(err, &notFound) {
			_ = p.store.UpdateStatus(ctx, threadID, model.StatusDestroyed, nil)
			return ResumeOutcome{Failed: true, AllowRecreate: true}
		}
		reason := fmt.Sprintf("sandbox start failed: %v", err)
		_ = p.store.IncrementResumeFailure(ctx, threadID, reason)
		_ = p.store.UpdateStatus(ctx, threadID, model.StatusError, &reason)
		return ResumeOutcome{Failed: true, AllowRecreate: true}
	}

	// Restart the agent server; errors are logged, never fail the resume
	// (spec §9 Open Question 2 — the health probe is the real arbiter).
	if err := p.image.Restart(ctx, p.sandbox, rec.SandboxID); err != nil {
		p.log.WithThreadID(threadID).Warn("agent restart incantation returned an error, continuing to health probe",
			zap.Error(err))
	}

	url, token, err := p.sandbox.GetPreview(ctx, rec.SandboxID)
	if err != nil {
		reason := fmt.Sprintf("preview resolution failed: %v", err)
		_ = p.store.IncrementResumeFailure(ctx, threadID, reason)
		_ = p.store.UpdateStatus(ctx, threadID, model.StatusError, &reason)
		return ResumeOutcome{Failed: true, AllowRecreate: false}
	}
	preview := ports.Preview{URL: url, Token: token}

	resumeTimeout := time.Duration(p.cfg.ResumeHealthTimeoutMs) * time.Millisecond
	if !p.pollHealthy(ctx, preview, resumeTimeout) {
		tail, _ := p.image.LogTail(ctx, p.sandbox, rec.SandboxID, 200)
		_ = p.store.IncrementResumeFailure(ctx, threadID, tail)
		_ = p.store.UpdateStatus(ctx, threadID, model.StatusError, &tail)
		// allowRecreate=false: an unhealthy agent that did come back online
		// must not silently discard its session state (spec §4.3.2 step 4).
		return ResumeOutcome{Failed: true, AllowRecreate: false}
	}

	sessionID, err := p.findOrCreateSessionID(ctx, preview, rec)
	if err != nil {
		reason := err.Error()
		_ = p.store.IncrementResumeFailure(ctx, threadID, reason)
		_ = p.store.UpdateStatus(ctx, threadID, model.StatusError, &reason)
		return ResumeOutcome{Failed: true, AllowRecreate: false}
	}

	now := time.Now().UTC()
	updated := rec.Clone()
	updated.SandboxID = rec.SandboxID
	updated.PreviewURL = url
	updated.PreviewToken = token
	updated.AgentSessionID = sessionID
	updated.Status = model.StatusActive
	updated.LastHealthOkAt = &now
	if err := p.store.Upsert(ctx, updated); err != nil {
		reason := err.Error()
		_ = p.store.UpdateStatus(ctx, threadID, model.StatusError, &reason)
		return ResumeOutcome{Failed: true, AllowRecreate: false}
	}

	p.publish(ctx, "session.resumed", updated)
	return ResumeOutcome{Record: updated}
}

// findOrCreateSessionID implements spec §4.3.2 step 5 / §9 Open Question 3:
// the stored SessionTitle is the canonical key, never reparsed.
func (p *Provisioner) findOrCreateSessionID(ctx context.Context, preview ports.Preview, rec *model.SessionRecord) (string, error) {
	if rec.AgentSessionID != "" {
		exists, err := p.agent.SessionExists(ctx, preview, rec.AgentSessionID)
		if err == nil && exists {
			return rec.AgentSessionID, nil
		}
	}

	title := rec.SessionTitle
	if title == "" {
		title = model.CanonicalTitle(rec.ThreadID)
	}

	sessions, err := p.agent.ListSessions(ctx, preview, 50)
	if err == nil {
		var best *ports.SessionSummary
		for i := range sessions {
			s := sessions[i]
			if s.Title != title {
				continue
			}
			if best == nil || (s.UpdatedAt != nil && best.UpdatedAt != nil && s.UpdatedAt.After(*best.UpdatedAt)) {
				best = &s
			}
		}
		if best != nil {
			return best.ID, nil
		}
	}

	return p.agent.CreateSession(ctx, preview, title)
}

// EnsureActive realizes spec §4.3.3, the top-level "give me a usable
// session" operation.
func (p *Provisioner) EnsureActive(ctx context.Context, threadID, channelID, guildID string, current *model.SessionRecord) (*model.SessionRecord, error) {
	if current == nil {
		return p.Provision(ctx, threadID, channelID, guildID)
	}

	if current.Status == model.StatusActive {
		preview := ports.Preview{URL: current.PreviewURL, Token: current.PreviewToken}
		healthy := p.agent.WaitForHealthy(ctx, preview, time.Duration(p.cfg.ActiveHealthCheckTimeoutMs)*time.Millisecond)
		sessionOK := healthy && func() bool {
			ok, err := p.agent.SessionExists(ctx, preview, current.AgentSessionID)
			return err == nil && ok
		}()
		if healthy && sessionOK {
			return current, nil
		}
		// Potentially stale: re-read, a peer actor may already have
		// transitioned it (there is only one actor per key in practice,
		// but the spec calls this out explicitly).
		fresh, err := p.store.GetByThread(ctx, threadID)
		if err != nil {
			return nil, &coreerrors.StorageError{Op: "ensureActive.reread", Err: err}
		}
		if fresh != nil {
			current = fresh
		}
	}

	if p.cfg.ReusePolicy == ReuseResumePreferred {
		outcome := p.Resume(ctx, current)
		if !outcome.Failed {
			return outcome.Record, nil
		}
		if !outcome.AllowRecreate {
			return nil, &coreerrors.SandboxDeadError{Reason: "resume failed, session state must not be discarded"}
		}
		// allowRecreate=true: fall through to destroy+provision below.
	}

	_ = p.Destroy(ctx, current, "ensureActive-recreate")
	return p.Provision(ctx, threadID, channelID, guildID)
}

// RecoverSendFailure realizes spec §4.3.4.
func (p *Provisioner) RecoverSendFailure(ctx context.Context, rec *model.SessionRecord, kind coreerrors.SendFailureKind) (*model.SessionRecord, error) {
	switch kind {
	case coreerrors.KindNonRecoverable:
		return rec, nil
	case coreerrors.KindSessionMissing:
		reason := "opencode-session-missing"
		_ = p.store.IncrementResumeFailure(ctx, rec.ThreadID, reason)
		_ = p.store.UpdateStatus(ctx, rec.ThreadID, model.StatusError, &reason)
		updated := rec.Clone()
		updated.Status = model.StatusError
		updated.LastError = &reason
		return updated, nil
	case coreerrors.KindSandboxDown:
		updated, err := p.Pause(ctx, rec, "sandbox-down-on-send")
		return updated, err
	default:
		return rec, nil
	}
}

// Pause realizes spec §4.3.5 pause.
func (p *Provisioner) Pause(ctx context.Context, rec *model.SessionRecord, reason string) (*model.SessionRecord, error) {
	if rec.Status == model.StatusPaused {
		return rec, nil
	}
	threadID := rec.ThreadID
	if err := p.store.UpdateStatus(ctx, threadID, model.StatusPausing, nil); err != nil {
		return rec, &coreerrors.StorageError{Op: "pause", Err: err}
	}

	updated := rec.Clone()
	if err := p.sandbox.Stop(ctx, rec.SandboxID); err != nil {
		failReason := "sandbox-unavailable-during-pause"
		_ = p.store.UpdateStatus(ctx, threadID, model.StatusDestroyed, &failReason)
		updated.Status = model.StatusDestroyed
		updated.LastError = &failReason
		p.publish(ctx, "session.error", updated)
		return updated, nil
	}

	_ = p.store.UpdateStatus(ctx, threadID, model.StatusPaused, &reason)
	updated.Status = model.StatusPaused
	updated.LastError = &reason
	p.publish(ctx, "session.paused", updated)
	return updated, nil
}

// Destroy realizes spec §4.3.5 destroy.
func (p *Provisioner) Destroy(ctx context.Context, rec *model.SessionRecord, reason string) error {
	if rec == nil || rec.Status == model.StatusDestroyed {
		return nil
	}
	threadID := rec.ThreadID
	_ = p.store.UpdateStatus(ctx, threadID, model.StatusDestroying, nil)
	// Best-effort: the target state is destroyed regardless of provider error.
	_ = p.sandbox.Destroy(ctx, rec.SandboxID)

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if err := p.store.UpdateStatus(ctx, threadID, model.StatusDestroyed, reasonPtr); err != nil {
		return &coreerrors.StorageError{Op: "destroy", Err: err}
	}
	updated := rec.Clone()
	updated.Status = model.StatusDestroyed
	p.publish(ctx, "session.destroyed", updated)
	return nil
}

// ClassifyAndRecover wraps AgentClient.SendPrompt's error into the kind
// table of spec §4.3.6 and invokes RecoverSendFailure accordingly.
func (p *Provisioner) ClassifyAndRecover(ctx context.Context, rec *model.SessionRecord, statusCode int, body string) (*model.SessionRecord, coreerrors.SendFailureKind, error) {
	kind := coreerrors.ClassifySendFailure(statusCode, body)
	updated, err := p.RecoverSendFailure(ctx, rec, kind)
	return updated, kind, err
}

func isSandboxNotFound(err error, target **coreerrors.SandboxNotFoundError) bool {
	nf, ok := err.(*coreerrors.SandboxNotFoundError)
	*target = nf
	return ok
}
