package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/contexts"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/task"
	"github.com/uratmangun/arbitrum-vibekit-sub002/workflow"
)

// Executor errors.
var (
	// ErrInvalidState is returned when a message addresses a task that
	// cannot accept it, e.g. a resume aimed at a running AI turn.
	ErrInvalidState = errors.New("agent: task cannot accept a message in its current state")
)

const (
	// DefaultRequestTimeout is the wall-clock ceiling for one AI turn.
	DefaultRequestTimeout = 300 * time.Second

	// dedupCacheSize bounds the message replay cache.
	dedupCacheSize = 2048
)

// Executor routes inbound protocol messages. A message naming a paused
// workflow task resumes it; a message without a task starts a new AI turn.
// Message ids are deduplicated so transport retries never double-submit.
type Executor struct {
	store    *task.Store
	contexts *contexts.Manager
	runtime  *workflow.Runtime
	service  *Service

	timeout time.Duration
	dedup   *lru.Cache[string, string]

	mu    sync.Mutex
	turns map[string]context.CancelFunc // live AI turns by task id
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRequestTimeout overrides the per-turn wall-clock ceiling.
func WithRequestTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewExecutor wires an Executor to its collaborators.
func NewExecutor(store *task.Store, ctxs *contexts.Manager, runtime *workflow.Runtime, service *Service, opts ...ExecutorOption) *Executor {
	cache, err := lru.New[string, string](dedupCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	e := &Executor{
		store:    store,
		contexts: ctxs,
		runtime:  runtime,
		service:  service,
		timeout:  DefaultRequestTimeout,
		dedup:    cache,
		turns:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result reports how a message was handled.
type Result struct {
	// Task is the targeted task's snapshot after routing.
	Task *a2a.Task

	// Resumed is set when the message fed a paused workflow.
	Resumed bool

	// Duplicate is set when the message id was already processed; Task
	// then holds the original submission's task.
	Duplicate bool
}

// Execute routes one inbound message. Messages carrying a taskId feed that
// task; messages without one start a new AI turn on the named (or a fresh)
// context.
func (e *Executor) Execute(ctx context.Context, msg a2a.Message) (*Result, error) {
	if msg.MessageID == "" {
		// No id means no retry semantics to honor; mint one for the
		// history record.
		msg.MessageID = uuid.NewString()
	}
	if msg.TaskID != "" {
		return e.resume(ctx, msg)
	}
	return e.startTurn(ctx, msg)
}

// resume feeds a message into an existing task. Only a workflow task paused
// in input-required accepts one.
func (e *Executor) resume(ctx context.Context, msg a2a.Message) (*Result, error) {
	dedupKey := msg.MessageID + "|" + msg.TaskID
	if taskID, ok := e.dedup.Get(dedupKey); ok {
		t, err := e.store.Get(taskID)
		if err != nil {
			return nil, err
		}
		return &Result{Task: t, Resumed: true, Duplicate: true}, nil
	}

	t, err := e.store.Get(msg.TaskID)
	if err != nil {
		return nil, err
	}
	if msg.ContextID != "" && msg.ContextID != t.ContextID {
		return nil, fmt.Errorf("%w: message context %q does not match task context %q", ErrInvalidState, msg.ContextID, t.ContextID)
	}
	if t.Terminal() {
		return nil, fmt.Errorf("%w: task %s is %s", task.ErrTaskTerminal, t.ID, t.Status.State)
	}
	if t.Kind != a2a.TaskKindWorkflow || t.Status.State != a2a.TaskStateInputRequired {
		return nil, fmt.Errorf("%w: %s task %s in state %s", ErrInvalidState, t.Kind, t.ID, t.Status.State)
	}

	input := extractInput(msg)
	updated, err := e.runtime.Resume(ctx, t.ID, input)
	if err != nil {
		return nil, err
	}

	e.dedup.Add(dedupKey, t.ID)
	msg.ContextID = t.ContextID
	if err := e.contexts.AppendMessage(t.ContextID, msg); err != nil {
		logger.Debug("append resume message", "context_id", t.ContextID, "error", err)
	}
	return &Result{Task: updated, Resumed: true}, nil
}

// startTurn creates a task for a new AI turn and runs it in the background.
// A missing contextId creates a fresh context; an unknown one is an error so
// clients never silently lose their history.
func (e *Executor) startTurn(ctx context.Context, msg a2a.Message) (*Result, error) {
	contextID := msg.ContextID
	if contextID == "" {
		contextID = e.contexts.Create().ID
	} else if _, err := e.contexts.Reattach(contextID); err != nil {
		return nil, err
	}

	dedupKey := msg.MessageID + "|" + contextID
	if taskID, ok := e.dedup.Get(dedupKey); ok {
		t, err := e.store.Get(taskID)
		if err != nil {
			return nil, err
		}
		return &Result{Task: t, Duplicate: true}, nil
	}

	t, err := e.store.Create(ctx, a2a.TaskKindAITurn, contextID, "")
	if err != nil {
		return nil, err
	}

	msg.ContextID = contextID
	msg.TaskID = t.ID
	if err := e.contexts.AppendMessage(contextID, msg); err != nil {
		return nil, err
	}
	if err := e.contexts.RecordTask(contextID, t.ID); err != nil {
		logger.Debug("record turn task", "context_id", contextID, "error", err)
	}
	e.dedup.Add(dedupKey, t.ID)

	turnCtx, cancel := context.WithTimeout(context.Background(), e.timeout)
	e.mu.Lock()
	e.turns[t.ID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.turns, t.ID)
			e.mu.Unlock()
		}()
		e.service.Run(turnCtx, t)
	}()

	return &Result{Task: t}, nil
}

// Cancel terminates a task. Workflows get the runtime's cooperative cancel;
// AI turns are finalized on the stream first so the turn goroutine observes
// the terminal state and goes quiet.
func (e *Executor) Cancel(ctx context.Context, taskID string) (*a2a.Task, error) {
	t, err := e.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Kind == a2a.TaskKindWorkflow {
		return e.runtime.Cancel(ctx, taskID)
	}

	canceled, err := e.store.Cancel(ctx, taskID)

	e.mu.Lock()
	stop := e.turns[taskID]
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
	return canceled, err
}

// ActiveTurns reports how many AI turns are currently running.
func (e *Executor) ActiveTurns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.turns)
}
