// Package task implements the in-memory task store. The store owns every
// task record, projects bus events into them, and is the only component that
// advances task state.
package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
)

// Task store errors.
var (
	ErrTaskNotFound      = errors.New("task: not found")
	ErrTaskAlreadyExists = errors.New("task: already exists")
	ErrInvalidTransition = errors.New("task: invalid state transition")
	ErrTaskTerminal      = errors.New("task: task is in a terminal state")
	ErrParentNotFound    = errors.New("task: parent task not found")
	ErrParentContext     = errors.New("task: parent task belongs to a different context")
)

// validTransitions defines the allowed state machine transitions.
var validTransitions = map[a2a.TaskState]map[a2a.TaskState]bool{
	a2a.TaskStateSubmitted: {
		a2a.TaskStateWorking:   true,
		a2a.TaskStateCompleted: true,
		a2a.TaskStateFailed:    true,
		a2a.TaskStateCanceled:  true,
	},
	a2a.TaskStateWorking: {
		a2a.TaskStateCompleted:     true,
		a2a.TaskStateFailed:        true,
		a2a.TaskStateCanceled:      true,
		a2a.TaskStateInputRequired: true,
		a2a.TaskStateAuthRequired:  true,
	},
	a2a.TaskStateInputRequired: {
		a2a.TaskStateWorking:  true,
		a2a.TaskStateCanceled: true,
	},
	a2a.TaskStateAuthRequired: {
		a2a.TaskStateWorking:  true,
		a2a.TaskStateCanceled: true,
	},
}

// record pairs a task with the sequence number of the last event projected
// into it, making event application idempotent under replay.
type record struct {
	task    a2a.Task
	lastSeq uint64
}

// Store is a concurrency-safe, in-memory task store. It registers itself as
// a bus observer so every published event is projected into its task record
// in publish order.
type Store struct {
	bus *bus.Bus
	now func() time.Time

	mu        sync.RWMutex
	tasks     map[string]*record
	byContext map[string][]string
	order     []string
}

// Option configures a Store.
type Option func(*Store)

// WithTimeFunc overrides the clock, for tests.
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// NewStore creates a Store observing the given bus.
func NewStore(b *bus.Bus, opts ...Option) *Store {
	s := &Store{
		bus:       b,
		now:       func() time.Time { return time.Now().UTC() },
		tasks:     make(map[string]*record),
		byContext: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	b.Observe(func(rec bus.Record) {
		if err := s.ApplyEvent(rec); err != nil {
			logger.Error("event projection failed",
				"task_id", rec.TaskID,
				"seq", rec.Seq,
				"kind", string(rec.Kind),
				"error", err)
		}
	})
	return s
}

// Create allocates a task in the submitted state, registers its event
// stream, and publishes the task-created and submitted events. parentTaskID
// may be empty; when set, the parent must exist in the same context.
func (s *Store) Create(ctx context.Context, kind a2a.TaskKind, contextID, parentTaskID string) (*a2a.Task, error) {
	s.mu.Lock()
	if parentTaskID != "" {
		parent, ok := s.tasks[parentTaskID]
		if !ok {
			s.mu.Unlock()
			return nil, ErrParentNotFound
		}
		if parent.task.ContextID != contextID {
			s.mu.Unlock()
			return nil, ErrParentContext
		}
	}

	now := s.now()
	task := a2a.Task{
		ID:           uuid.NewString(),
		ContextID:    contextID,
		Kind:         kind,
		ParentTaskID: parentTaskID,
		Status:       a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: &now},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.tasks[task.ID] = &record{task: task}
	s.byContext[contextID] = append(s.byContext[contextID], task.ID)
	s.order = append(s.order, task.ID)
	s.mu.Unlock()

	if err := s.bus.Register(task.ID); err != nil {
		return nil, err
	}

	snapshot := cloneTask(task)
	if _, err := s.bus.Publish(ctx, bus.TaskCreatedRecord(&snapshot)); err != nil {
		return nil, err
	}
	evt := a2a.NewStatusUpdateEvent(task.ID, contextID, a2a.TaskStateSubmitted, nil)
	if _, err := s.bus.Publish(ctx, bus.StatusRecord(evt)); err != nil {
		return nil, err
	}

	out := cloneTask(task)
	return &out, nil
}

// Get returns a copy of the task.
func (s *Store) Get(taskID string) (*a2a.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := cloneTask(r.task)
	return &out, nil
}

// List returns tasks in creation order, filtered by contextID when non-empty,
// with offset/limit pagination. The second return is the total match count
// before pagination.
func (s *Store) List(contextID string, limit, offset int) ([]a2a.Task, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order
	if contextID != "" {
		ids = s.byContext[contextID]
	}

	total := len(ids)
	if offset >= total {
		return nil, total
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	out := make([]a2a.Task, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.tasks[id]; ok {
			out = append(out, cloneTask(r.task))
		}
	}
	return out, total
}

// ApplyEvent projects a bus record into its task. Events at or below the
// last projected sequence are ignored, making replay idempotent. Impossible
// transitions are rejected; the bus guarantees no events follow a final one.
func (s *Store) ApplyEvent(rec bus.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tasks[rec.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, rec.TaskID)
	}
	if rec.Seq != 0 && rec.Seq <= r.lastSeq {
		return nil
	}
	r.lastSeq = rec.Seq

	switch rec.Kind {
	case bus.EventTaskCreated:
		// The record was inserted by Create before the event published.

	case bus.EventStatusUpdate:
		if err := s.applyStatusLocked(r, rec.Status); err != nil {
			return err
		}

	case bus.EventArtifactUpdate:
		r.task.Artifacts = a2a.MergeArtifact(r.task.Artifacts, *rec.Artifact)

	case bus.EventMessage:
		r.task.History = append(r.task.History, *rec.Message)

	case bus.EventTextDelta:
		// Activity only; deltas are not persisted on the record.
	}

	r.task.UpdatedAt = s.now()
	return nil
}

func (s *Store) applyStatusLocked(r *record, evt *a2a.TaskStatusUpdateEvent) error {
	current := r.task.Status.State
	next := evt.Status.State

	if current == next {
		// Repeated state (progress updates): refresh message and timestamp.
		r.task.Status = evt.Status
		return nil
	}
	if current.Terminal() {
		return fmt.Errorf("%w: cannot transition from terminal state %q", ErrTaskTerminal, current)
	}
	allowed, ok := validTransitions[current]
	if !ok || !allowed[next] {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, current, next)
	}
	if next == a2a.TaskStateInputRequired && r.task.Kind != a2a.TaskKindWorkflow {
		return fmt.Errorf("%w: %q tasks cannot pause for input", ErrInvalidTransition, r.task.Kind)
	}

	r.task.Status = evt.Status
	if next == a2a.TaskStateInputRequired {
		r.task.PauseInfo = evt.PauseInfo
	} else {
		r.task.PauseInfo = nil
	}
	return nil
}

// Cancel publishes a canceled final event for a non-terminal task and
// returns the updated record. Canceling a terminal task returns
// ErrTaskTerminal so callers can treat it as an idempotent no-op.
func (s *Store) Cancel(ctx context.Context, taskID string) (*a2a.Task, error) {
	s.mu.RLock()
	r, ok := s.tasks[taskID]
	var state a2a.TaskState
	var contextID string
	if ok {
		state = r.task.Status.State
		contextID = r.task.ContextID
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrTaskNotFound
	}
	if state.Terminal() {
		task, err := s.Get(taskID)
		if err != nil {
			return nil, err
		}
		return task, fmt.Errorf("%w: cannot cancel task in terminal state %q", ErrTaskTerminal, state)
	}

	evt := a2a.NewStatusUpdateEvent(taskID, contextID, a2a.TaskStateCanceled, nil)
	if _, err := s.bus.Publish(ctx, bus.StatusRecord(evt)); err != nil {
		if errors.Is(err, bus.ErrTaskTerminal) {
			// Lost a race with another terminal event; idempotent.
			task, getErr := s.Get(taskID)
			if getErr != nil {
				return nil, getErr
			}
			return task, fmt.Errorf("%w: task reached a terminal state concurrently", ErrTaskTerminal)
		}
		return nil, err
	}

	return s.Get(taskID)
}

// SweepTerminal removes terminal tasks idle past ttl and returns their ids.
// The caller releases their bus streams.
func (s *Store) SweepTerminal(now time.Time, ttl time.Duration) []string {
	cutoff := now.Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, r := range s.tasks {
		if r.task.Terminal() && r.task.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			s.byContext[r.task.ContextID] = removeID(s.byContext[r.task.ContextID], id)
			if len(s.byContext[r.task.ContextID]) == 0 {
				delete(s.byContext, r.task.ContextID)
			}
			s.order = removeID(s.order, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// AllTerminal reports whether every listed task is terminal. Evicted or
// otherwise unknown ids count as terminal.
func (s *Store) AllTerminal(ids []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range ids {
		if r, ok := s.tasks[id]; ok && !r.task.Terminal() {
			return false
		}
	}
	return true
}

// Counts returns the total and non-terminal task counts.
func (s *Store) Counts() (total, nonTerminal int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total = len(s.tasks)
	for _, r := range s.tasks {
		if !r.task.Terminal() {
			nonTerminal++
		}
	}
	return total, nonTerminal
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// cloneTask copies a task deeply enough that callers cannot mutate stored
// state through slices or maps.
func cloneTask(t a2a.Task) a2a.Task {
	out := t
	out.Artifacts = slices.Clone(t.Artifacts)
	out.History = slices.Clone(t.History)
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
