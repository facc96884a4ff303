// Package actormap implements a generic per-key serialized actor registry.
// For any single key, jobs submitted via Run execute in the order they were
// submitted, each running to completion before the next starts; different
// keys make progress fully concurrently. Grounded on the per-resource
// mutex-guarded map + goroutine lifecycle pattern used throughout the
// agent lifecycle manager, generalized here into a channel-fed worker loop
// per key (one goroutine consuming an ordered job channel), since no exact
// per-key-FIFO-actor primitive exists ready-made in the stack.
package actormap

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

// ErrCancelled is returned to callers of Run whose job was still queued (or
// interrupted) when Remove was called for their key.
var ErrCancelled = errors.New("actormap: job cancelled")

// Opts configures a single Run call.
type Opts struct {
	// Touch resets the per-key idle timer when true (the default). Reads
	// used only for routing decisions should pass Touch: false.
	Touch bool
}

// DefaultOpts is the zero-value-safe default: Touch=true.
var DefaultOpts = Opts{Touch: true}

// Hooks are the construction-time callbacks for an ActorMap instance.
// Load is invoked once when an actor is (re)created; any error is treated
// as "no prior state". Save is invoked after a job completes, only if the
// state slot's identity changed during the job; save errors are logged and
// swallowed. IdleTimeout/OnIdle fire OnIdle(key) once the key has gone
// untouched for IdleTimeout; either being unset disables idle firing.
type Hooks[S any] struct {
	Load        func(ctx context.Context, key string) (*S, bool)
	Save        func(ctx context.Context, key string, state *S)
	IdleTimeout time.Duration
	OnIdle      func(key string)
}

// job is one unit of work queued on a key's actor.
type job[S any] struct {
	ctx    context.Context
	touch  bool
	work   func(ctx context.Context, state **S) (any, error)
	result chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// actor is the per-key worker: a goroutine draining queue in FIFO order.
type actor[S any] struct {
	key       string
	queue     chan *job[S]
	state     *S
	loaded    bool
	stopCh    chan struct{}
	done      chan struct{}
	idleTimer *time.Timer
}

// Map is a generic keyed-actor registry.
type Map[S any] struct {
	mu     sync.Mutex
	actors map[string]*actor[S]
	hooks  Hooks[S]
	log    *logger.Logger
}

// New creates an ActorMap with the given hooks.
func New[S any](hooks Hooks[S], log *logger.Logger) *Map[S] {
	return &Map[S]{
		actors: make(map[string]*actor[S]),
		hooks:  hooks,
		log:    log.WithFields(zap.String("component", "actormap")),
	}
}

// Run enqueues work onto key's FIFO queue and blocks until it completes (or
// fails). work receives a pointer to the actor's state slot and may read or
// replace it; if the pointer's identity changes, Save (if configured) is
// invoked after the job finishes.
func Run[S any, A any](ctx context.Context, m *Map[S], key string, opts Opts, work func(ctx context.Context, state **S) (A, error)) (A, error) {
	var zero A

	a := m.getOrCreate(key)

	resultCh := make(chan jobResult, 1)
	j := &job[S]{
		ctx:   ctx,
		touch: opts.Touch,
		work: func(ctx context.Context, state **S) (any, error) {
			return work(ctx, state)
		},
		result: resultCh,
	}

	select {
	case a.queue <- j:
	case <-a.stopCh:
		return zero, ErrCancelled
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return zero, res.err
		}
		if res.value == nil {
			return zero, nil
		}
		return res.value.(A), nil
	case <-a.stopCh:
		return zero, ErrCancelled
	}
}

// CancelIdle stops the idle timer for key without removing the actor.
func (m *Map[S]) CancelIdle(key string) {
	m.mu.Lock()
	a, ok := m.actors[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
}

// Remove cancels all pending work for key (each fails with ErrCancelled),
// shuts the queue, and forgets the actor. A subsequent Run(key, ...)
// recreates it from scratch, including re-running Load.
func (m *Map[S]) Remove(key string) {
	m.mu.Lock()
	a, ok := m.actors[key]
	if ok {
		delete(m.actors, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(a.stopCh)
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
}

// Shutdown removes every actor, cancelling their queues. Intended for
// process teardown: the ActorMap registry is the only process-wide
// mutable state and must be torn down explicitly (spec §9).
func (m *Map[S]) Shutdown() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.actors))
	for k := range m.actors {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.Remove(k)
	}
}

func (m *Map[S]) getOrCreate(key string) *actor[S] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.actors[key]; ok {
		return a
	}

	a := &actor[S]{
		key:    key,
		queue:  make(chan *job[S], 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.actors[key] = a
	go m.run(a)
	return a
}

func (m *Map[S]) run(a *actor[S]) {
	defer close(a.done)

	if m.hooks.Load != nil {
		if s, ok := m.hooks.Load(context.Background(), a.key); ok {
			a.state = s
			a.loaded = true
		}
	}

	m.resetIdleTimer(a)

	for {
		select {
		case <-a.stopCh:
			m.drainCancelled(a)
			return
		case j, ok := <-a.queue:
			if !ok {
				return
			}
			m.execute(a, j)
		}
	}
}

func (m *Map[S]) execute(a *actor[S], j *job[S]) {
	before := a.state

	value, err := func() (result any, runErr error) {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("actor job panicked", zap.String("key", a.key), zap.Any("recover", r))
				runErr = errors.New("actormap: job panicked")
			}
		}()
		return j.work(j.ctx, &a.state)
	}()

	if j.touch {
		m.resetIdleTimer(a)
	}

	if a.state != before && m.hooks.Save != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Warn("actor save hook panicked, swallowing",
						zap.String("key", a.key), zap.Any("recover", r))
				}
			}()
			m.hooks.Save(j.ctx, a.key, a.state)
		}()
	}

	select {
	case j.result <- jobResult{value: value, err: err}:
	default:
	}
}

func (m *Map[S]) drainCancelled(a *actor[S]) {
	for {
		select {
		case j := <-a.queue:
			select {
			case j.result <- jobResult{err: ErrCancelled}:
			default:
			}
		default:
			return
		}
	}
}

func (m *Map[S]) resetIdleTimer(a *actor[S]) {
	if m.hooks.IdleTimeout <= 0 || m.hooks.OnIdle == nil {
		return
	}
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	key := a.key
	a.idleTimer = time.AfterFunc(m.hooks.IdleTimeout, func() {
		m.hooks.OnIdle(key)
	})
}
