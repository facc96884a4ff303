// Package threadentity binds ActorMap to Provisioner: one actor per
// thread id holding the session record as state (spec §4.4). Grounded on
// the lifecycle manager's per-instance lookup/update methods
// (GetInstance, UpdateStatus, MarkCompleted), translated into a
// single-actor-per-key shape via actormap.Map.
package threadentity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/actormap"
	"github.com/kandev/kandev/internal/common/logger"
	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/model"
	"github.com/kandev/kandev/internal/core/ports"
	"github.com/kandev/kandev/internal/provisioner"
	"github.com/kandev/kandev/internal/sessionstore"
)

// state is the ephemeral per-actor state held in the actor (spec §3
// "Ephemeral state held in the actor"): a loaded flag plus the cached
// latest-intent record. The idle timer handle itself lives in actormap.
type state struct {
	loaded  bool
	session *model.SessionRecord
}

// SendResult is ThreadEntity.send's return value (spec §4.4).
type SendResult struct {
	Text          string
	Session       *model.SessionRecord
	ChangedSession bool
}

// Registry owns one ThreadEntity per ThreadKey via an actormap.Map.
type Registry struct {
	actors      *actormap.Map[state]
	store       sessionstore.Store
	provisioner *provisioner.Provisioner
	history     ports.History
	log         *logger.Logger
}

// New constructs a Registry. idleTimeout/onIdle wire ActorMap's idle-timer
// support (spec §4.1): when both are non-zero/non-nil, an actor untouched
// for idleTimeout fires onIdle(key) — callers typically use this to pause
// the session via the Reconciler's own cadence rather than tearing the
// actor down directly.
func New(store sessionstore.Store, prov *provisioner.Provisioner, history ports.History, idleTimeout time.Duration, onIdle func(key string), log *logger.Logger) *Registry {
	base := log.WithFields(zap.String("component", "threadentity"))
	r := &Registry{store: store, provisioner: prov, history: history, log: base}

	hooks := actormap.Hooks[state]{
		Load: func(ctx context.Context, key string) (*state, bool) {
			threadID := threadIDFromKey(key)
			rec, err := store.GetByThread(ctx, threadID)
			if err != nil {
				base.Warn("load failed, starting with empty state", zap.String("key", key), zap.Error(err))
				return nil, false
			}
			return &state{loaded: true, session: rec}, true
		},
		IdleTimeout: idleTimeout,
		OnIdle:      onIdle,
	}
	r.actors = actormap.New(hooks, base)
	return r
}

func threadKey(threadID string, isThread bool) string {
	if isThread {
		return "thread:" + threadID
	}
	return "channel:" + threadID
}

func threadIDFromKey(key string) string {
	for _, prefix := range []string{"thread:", "channel:"} {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return key[len(prefix):]
		}
	}
	return key
}

// Key builds the ThreadKey for a thread or channel event (spec §4.5).
func Key(threadOrChannelID string, isThreadEvent bool) string {
	return threadKey(threadOrChannelID, isThreadEvent)
}

func ensureLoaded(ctx context.Context, st **state, threadID string, store sessionstore.Store, log *logger.Logger) {
	if *st != nil && (*st).loaded {
		return
	}
	rec, err := store.GetByThread(ctx, threadID)
	if err != nil {
		log.WithThreadID(threadID).Warn("ensureLoaded: store read failed, treating as empty", zap.Error(err))
	}
	*st = &state{loaded: true, session: rec}
}

// Send realizes spec §4.4 send.
func (r *Registry) Send(ctx context.Context, key, threadID, channelID, guildID, text string) (SendResult, error) {
	return actormap.Run(ctx, r.actors, key, actormap.DefaultOpts, func(ctx context.Context, st **state) (SendResult, error) {
		ensureLoaded(ctx, st, threadID, r.store, r.log)

		before := (*st).session

		rec, err := r.provisioner.EnsureActive(ctx, threadID, channelID, guildID, before)
		if err != nil {
			return SendResult{}, coreerrors.NewSandboxSendError(err)
		}
		(*st).session = rec

		changedSession := before != nil && before.AgentSessionID != "" && before.AgentSessionID != rec.AgentSessionID

		prompt := text
		if changedSession {
			rehydrated, herr := r.history.Rehydrate(ctx, threadID, text)
			if herr != nil {
				return SendResult{}, coreerrors.NewSandboxSendError(&coreerrors.HistoryError{Err: herr})
			}
			prompt = rehydrated
		}

		_ = r.store.MarkActivity(ctx, threadID)

		preview := ports.Preview{URL: rec.PreviewURL, Token: rec.PreviewToken}
		reply, sendErr := r.provisioner.AgentClient().SendPrompt(ctx, preview, rec.AgentSessionID, prompt)
		if sendErr != nil {
			kind := extractKind(sendErr)
			if kind != coreerrors.KindSandboxDown {
				return SendResult{}, coreerrors.NewSandboxSendError(sendErr)
			}

			recovered, rerr := r.provisioner.RecoverSendFailure(ctx, rec, kind)
			if rerr != nil {
				return SendResult{}, coreerrors.NewSandboxSendError(rerr)
			}
			(*st).session = recovered

			// Retry exactly once: re-ensureActive, rehydrate again, resend.
			reensured, eerr := r.provisioner.EnsureActive(ctx, threadID, channelID, guildID, recovered)
			if eerr != nil {
				return SendResult{}, coreerrors.NewSandboxSendError(eerr)
			}
			(*st).session = reensured

			retryPrompt, herr := r.history.Rehydrate(ctx, threadID, text)
			if herr != nil {
				return SendResult{}, coreerrors.NewSandboxSendError(&coreerrors.HistoryError{Err: herr})
			}

			retryPreview := ports.Preview{URL: reensured.PreviewURL, Token: reensured.PreviewToken}
			reply, sendErr = r.provisioner.AgentClient().SendPrompt(ctx, retryPreview, reensured.AgentSessionID, retryPrompt)
			if sendErr != nil {
				return SendResult{}, coreerrors.NewSandboxSendError(sendErr)
			}
			rec = reensured
			changedSession = before != nil && before.AgentSessionID != "" && before.AgentSessionID != rec.AgentSessionID
		}

		return SendResult{Text: reply, Session: rec, ChangedSession: changedSession}, nil
	})
}

func extractKind(err error) coreerrors.SendFailureKind {
	if ace, ok := err.(*coreerrors.AgentClientError); ok {
		return ace.Kind
	}
	return coreerrors.KindNonRecoverable
}

// HasTrackedThread reports whether SessionStore already tracks threadID,
// independent of any in-memory actor (used by the turn router to decide
// whether an unmentioned thread message belongs to an owned session).
func (r *Registry) HasTrackedThread(ctx context.Context, threadID string) (bool, error) {
	return r.store.HasTracked(ctx, threadID)
}

// Status realizes spec §4.4 status(): a touch=false read.
func (r *Registry) Status(ctx context.Context, key, threadID string) (*model.SessionRecord, error) {
	return actormap.Run(ctx, r.actors, key, actormap.Opts{Touch: false}, func(ctx context.Context, st **state) (*model.SessionRecord, error) {
		ensureLoaded(ctx, st, threadID, r.store, r.log)
		return (*st).session, nil
	})
}

// Recreate realizes spec §4.4 recreate().
func (r *Registry) Recreate(ctx context.Context, key, threadID string) error {
	_, err := actormap.Run(ctx, r.actors, key, actormap.DefaultOpts, func(ctx context.Context, st **state) (struct{}, error) {
		ensureLoaded(ctx, st, threadID, r.store, r.log)
		if (*st).session != nil {
			if derr := r.provisioner.Destroy(ctx, (*st).session, "recreate"); derr != nil {
				return struct{}{}, derr
			}
		}
		(*st).session = nil
		return struct{}{}, nil
	})
	return err
}

// Pause realizes spec §4.4 pause(reason).
func (r *Registry) Pause(ctx context.Context, key, threadID, reason string) (*model.SessionRecord, error) {
	return actormap.Run(ctx, r.actors, key, actormap.DefaultOpts, func(ctx context.Context, st **state) (*model.SessionRecord, error) {
		ensureLoaded(ctx, st, threadID, r.store, r.log)
		if (*st).session == nil {
			return nil, fmt.Errorf("threadentity: no session to pause for %s", threadID)
		}
		updated, err := r.provisioner.Pause(ctx, (*st).session, reason)
		if err != nil {
			return nil, err
		}
		(*st).session = updated
		return updated, nil
	})
}

// Resume realizes spec §4.4 resume(channelOverride?, guildOverride?).
func (r *Registry) Resume(ctx context.Context, key, threadID, channelOverride, guildOverride string) (*model.SessionRecord, error) {
	return actormap.Run(ctx, r.actors, key, actormap.DefaultOpts, func(ctx context.Context, st **state) (*model.SessionRecord, error) {
		ensureLoaded(ctx, st, threadID, r.store, r.log)
		channelID, guildID := channelOverride, guildOverride
		if (*st).session != nil {
			if channelID == "" {
				channelID = (*st).session.ChannelID
			}
			if guildID == "" {
				guildID = (*st).session.GuildID
			}
		}
		updated, err := r.provisioner.EnsureActive(ctx, threadID, channelID, guildID, (*st).session)
		if err != nil {
			return nil, err
		}
		(*st).session = updated
		return updated, nil
	})
}

// Logs realizes spec §4.4 logs(lines).
func (r *Registry) Logs(ctx context.Context, key, threadID string, lines int) (sandboxID, output string, err error) {
	type logsResult struct {
		sandboxID string
		output    string
	}
	res, err := actormap.Run(ctx, r.actors, key, actormap.DefaultOpts, func(ctx context.Context, st **state) (logsResult, error) {
		ensureLoaded(ctx, st, threadID, r.store, r.log)
		if (*st).session == nil {
			return logsResult{}, fmt.Errorf("threadentity: no session for %s", threadID)
		}
		out, lerr := r.provisioner.TailLogs(ctx, (*st).session, lines)
		return logsResult{sandboxID: (*st).session.SandboxID, output: out}, lerr
	})
	if err != nil {
		return "", "", err
	}
	return res.sandboxID, res.output, nil
}

// RemoveIdle is wired as the ActorMap idle callback by the caller wanting
// to drop idle actors from memory; it does not mutate SessionStore.
func (r *Registry) RemoveIdle(key string) {
	r.actors.Remove(key)
}

// Shutdown tears down every actor (spec §9: the ActorMap registry is the
// only process-wide mutable state and must be torn down on shutdown).
func (r *Registry) Shutdown() {
	r.actors.Shutdown()
}
