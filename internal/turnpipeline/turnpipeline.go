// Package turnpipeline ingests platform events and drives ThreadEntity
// (spec §4.5): dedupe, route, resolve thread, dispatch, retry. Grounded on
// internal/orchestrator/executor/executor.go's retryLimit/retryDelay field
// shape and its typed-collaborator-interface style, and on the Telegram
// channel's exponential-backoff-around-a-blocking-loop idiom observed
// elsewhere in the retrieved pack during teacher selection.
package turnpipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/model"
	"github.com/kandev/kandev/internal/core/ports"
	"github.com/kandev/kandev/internal/ingressdedup"
	"github.com/kandev/kandev/internal/threadentity"
)

const (
	genericFailureMessage = "Something went wrong. Please try again in a moment."
	recoveringMessage     = "*Session changed state, recovering...*"
)

// RetryConfig is the pipeline's exponential-backoff policy (spec §4.5
// step 6 / §7).
type RetryConfig struct {
	BaseDelay     time.Duration
	MaxExtraTries int
}

// DefaultRetryConfig matches the spec's literal numbers: 500ms base, at
// most two extra attempts.
var DefaultRetryConfig = RetryConfig{BaseDelay: 500 * time.Millisecond, MaxExtraTries: 2}

// Pipeline consumes an Inbox and drives a threadentity.Registry.
type Pipeline struct {
	inbox   ports.Inbox
	outbox  ports.Outbox
	threads ports.Threads
	router  ports.TurnRouter
	dedup   *ingressdedup.Dedup
	entity  *threadentity.Registry
	retry   RetryConfig
	log     *logger.Logger
}

func New(inbox ports.Inbox, outbox ports.Outbox, threads ports.Threads, router ports.TurnRouter,
	dedup *ingressdedup.Dedup, entity *threadentity.Registry, retry RetryConfig, log *logger.Logger) *Pipeline {
	return &Pipeline{
		inbox: inbox, outbox: outbox, threads: threads, router: router,
		dedup: dedup, entity: entity, retry: retry,
		log: log.WithFields(zap.String("component", "turnpipeline")),
	}
}

// Run consumes the inbox with unbounded concurrency and unordered
// semantics (spec §4.5 step 7): each event is dispatched onto its own
// goroutine; collisions on a shared ThreadKey are serialized by ActorMap,
// not by this loop.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		evt, ok, err := p.inbox.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		event := evt
		go func() {
			if perr := p.handleEvent(ctx, event); perr != nil {
				p.log.Error("unhandled pipeline error", zap.Error(perr))
			}
		}()
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, event ports.InboundEvent) error {
	return p.withRetry(ctx, func() error { return p.processOnce(ctx, event) })
}

// withRetry wraps effect in exponential backoff gated by the error's
// retriable bit (spec §4.5 step 6 / §7).
func (p *Pipeline) withRetry(ctx context.Context, effect func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxExtraTries; attempt++ {
		lastErr = effect()
		if lastErr == nil {
			return nil
		}
		if !coreerrors.Retriable(lastErr) {
			break
		}
		if attempt == p.retry.MaxExtraTries {
			break
		}
		delay := p.retry.BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if lastErr != nil && !coreerrors.Retriable(lastErr) {
		p.log.Error("non-retriable pipeline failure, publishing generic message", zap.Error(lastErr))
	} else if lastErr != nil {
		p.log.Warn("retriable pipeline failure exhausted attempts, no user-visible text", zap.Error(lastErr))
	}
	return lastErr
}

// processOnce implements dedupe → route → resolve → commands → dispatch
// (spec §4.5 steps 1-5), called once per attempt by withRetry.
func (p *Pipeline) processOnce(ctx context.Context, event ports.InboundEvent) error {
	// Step 1: dedupe.
	if !p.dedup.Dedup(event.MessageID) {
		return nil
	}

	// Step 2: route.
	respond, reason, err := p.shouldRespond(ctx, event)
	if err != nil {
		return &coreerrors.RoutingError{Err: err}
	}
	if !respond {
		p.log.Debug("dropping event", zap.String("reason", reason), zap.String("message_id", event.MessageID))
		return nil
	}

	// Step 3: resolve target. The dispatch key is derived from the event as
	// it arrived, not from the resolved thread id: thread events dispatch
	// on thread:<id>, channel events dispatch on channel:<id>, so
	// concurrent channel events across different channels never serialize
	// behind a shared actor (spec §4.5 step 7 / GLOSSARY ThreadKey).
	threadID, channelID, err := p.resolveTarget(ctx, event)
	if err != nil {
		return err
	}
	key := threadentity.Key(event.ThreadID, true)
	if !event.IsThreadEvent() {
		key = threadentity.Key(event.ChannelID, false)
	}

	// Step 4: commands.
	if handled, err := p.handleCommand(ctx, key, threadID, event.Content); handled {
		return err
	}

	// Step 5: dispatch under a typing scope.
	var result threadentity.SendResult
	dispatchErr := p.outbox.WithTyping(ctx, threadID, func(ctx context.Context) error {
		var sendErr error
		result, sendErr = p.entity.Send(ctx, key, threadID, channelID, event.GuildID, event.Content)
		return sendErr
	})
	if dispatchErr != nil {
		if !coreerrors.Retriable(dispatchErr) {
			_ = p.outbox.Publish(ctx, ports.OutboundAction{Kind: ports.OutboundReply, ThreadID: threadID, Text: genericFailureMessage})
		}
		return dispatchErr
	}

	return p.outbox.Publish(ctx, ports.OutboundAction{Kind: ports.OutboundSend, ThreadID: threadID, Text: result.Text})
}

func (p *Pipeline) shouldRespond(ctx context.Context, event ports.InboundEvent) (bool, string, error) {
	if event.AuthorIsBot {
		return false, "author is bot", nil
	}
	if event.MentionsEveryone {
		return false, "mentions everyone", nil
	}
	if strings.TrimSpace(event.Content) == "" {
		return false, "empty content", nil
	}

	mentioned := containsID(event.MentionedUserIDs, event.BotUserID) || containsID(event.MentionedRoleIDs, event.BotRoleID)

	if !event.IsThreadEvent() {
		return mentioned, "channel event mention check", nil
	}

	if mentioned {
		return true, "mentioned in thread", nil
	}

	owned, err := p.entity.HasTrackedThread(ctx, event.ThreadID)
	if err != nil {
		return false, "", err
	}
	if !owned {
		return false, "thread not owned", nil
	}

	shouldRespond, reason, err := p.router.ShouldRespond(ctx, ports.RouteInput{
		Content:          event.Content,
		BotUserID:        event.BotUserID,
		BotRoleID:        event.BotRoleID,
		MentionedUserIDs: event.MentionedUserIDs,
		MentionedRoleIDs: event.MentionedRoleIDs,
	})
	return shouldRespond, reason, err
}

func containsID(ids []string, target string) bool {
	if target == "" {
		return false
	}
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func (p *Pipeline) resolveTarget(ctx context.Context, event ports.InboundEvent) (threadID, channelID string, err error) {
	if event.IsThreadEvent() {
		return event.ThreadID, event.ChannelID, nil
	}

	name, nerr := p.router.GenerateThreadName(ctx, event.Content)
	if nerr != nil {
		name = "discord-thread"
	}
	tid, cid, terr := p.threads.Ensure(ctx, event, name)
	if terr != nil {
		return "", "", &coreerrors.ThreadEnsureError{Err: terr}
	}
	return tid, cid, nil
}

func (p *Pipeline) handleCommand(ctx context.Context, key, threadID, content string) (handled bool, err error) {
	trimmed := strings.TrimSpace(content)
	switch trimmed {
	case "!status":
		rec, serr := p.entity.Status(ctx, key, threadID)
		text := formatStatus(rec)
		if serr != nil {
			text = genericFailureMessage
		}
		return true, p.outbox.Publish(ctx, ports.OutboundAction{Kind: ports.OutboundReply, ThreadID: threadID, Text: text})
	case "!reset", "!recreate":
		rerr := p.entity.Recreate(ctx, key, threadID)
		text := "Session recreated. Send a message to start a fresh sandbox."
		if rerr != nil {
			text = genericFailureMessage
		}
		return true, p.outbox.Publish(ctx, ports.OutboundAction{Kind: ports.OutboundReply, ThreadID: threadID, Text: text})
	default:
		return false, nil
	}
}

func formatStatus(rec *model.SessionRecord) string {
	if rec == nil {
		return "No session for this thread yet."
	}
	return fmt.Sprintf("status: %s", rec.Status)
}
