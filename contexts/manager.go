// Package contexts manages conversation contexts: the scope that groups an
// ordered set of tasks with the message history fed to the model. The manager
// is an in-memory singleton safe for concurrent use; contexts are created on
// first contact, reattached strictly by id, and swept after a period of
// inactivity once every owned task has reached a terminal state.
package contexts

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
)

// DefaultIdleTTL is how long a context may sit without activity before it
// becomes eligible for sweeping.
const DefaultIdleTTL = 30 * time.Minute

var (
	// ErrContextNotFound is returned when reattaching to or operating on an
	// unknown context id.
	ErrContextNotFound = errors.New("contexts: context not found")
)

// TerminalChecker reports whether every task in ids is terminal. Unknown ids
// count as terminal so contexts whose tasks were already evicted can still be
// swept. *task.Store satisfies this.
type TerminalChecker interface {
	AllTerminal(ids []string) bool
}

// Context is a point-in-time snapshot of a conversation scope.
type Context struct {
	ID             string
	CreatedAt      time.Time
	LastActivityAt time.Time
	TaskIDs        []string
	Metadata       map[string]any
}

// record is the manager-owned mutable state behind a Context snapshot.
type record struct {
	id             string
	createdAt      time.Time
	lastActivityAt time.Time
	taskIDs        []string
	taskSet        map[string]struct{}
	history        []a2a.Message
	metadata       map[string]any
}

// Manager owns all conversation contexts for the process.
type Manager struct {
	idleTTL   time.Duration
	now       func() time.Time
	terminals TerminalChecker

	mu       sync.RWMutex
	contexts map[string]*record
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTTL overrides the idle TTL used by SweepIdle.
func WithIdleTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTTL = d
		}
	}
}

// WithTimeFunc overrides the clock. Used by tests.
func WithTimeFunc(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a context manager. terminals guards SweepIdle against
// evicting contexts that still own live tasks; a nil checker skips that guard.
func NewManager(terminals TerminalChecker, opts ...Option) *Manager {
	m := &Manager{
		idleTTL:   DefaultIdleTTL,
		now:       time.Now,
		terminals: terminals,
		contexts:  make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create allocates a fresh context with a generated id.
func (m *Manager) Create() Context {
	now := m.now().UTC()
	rec := &record{
		id:             uuid.NewString(),
		createdAt:      now,
		lastActivityAt: now,
		taskSet:        make(map[string]struct{}),
		metadata:       make(map[string]any),
	}

	m.mu.Lock()
	m.contexts[rec.id] = rec
	m.mu.Unlock()

	return snapshot(rec)
}

// Reattach resolves an existing context by id and refreshes its activity
// time. It is strict: an unknown id is an error, never an implicit create.
func (m *Manager) Reattach(id string) (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.contexts[id]
	if !ok {
		return Context{}, ErrContextNotFound
	}
	rec.lastActivityAt = m.now().UTC()
	return snapshot(rec), nil
}

// AppendMessage appends msg to the context's history. History is append-only;
// existing entries are never rewritten.
func (m *Manager) AppendMessage(id string, msg a2a.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.contexts[id]
	if !ok {
		return ErrContextNotFound
	}
	rec.history = append(rec.history, msg)
	rec.lastActivityAt = m.now().UTC()
	return nil
}

// RecordTask adds taskID to the context's ordered task set. Recording the
// same id twice is a no-op.
func (m *Manager) RecordTask(id, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.contexts[id]
	if !ok {
		return ErrContextNotFound
	}
	if _, seen := rec.taskSet[taskID]; !seen {
		rec.taskSet[taskID] = struct{}{}
		rec.taskIDs = append(rec.taskIDs, taskID)
	}
	rec.lastActivityAt = m.now().UTC()
	return nil
}

// History returns a copy of the context's message history in append order.
func (m *Manager) History(id string) ([]a2a.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.contexts[id]
	if !ok {
		return nil, ErrContextNotFound
	}
	return slices.Clone(rec.history), nil
}

// Touch refreshes the context's activity time.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.contexts[id]
	if !ok {
		return ErrContextNotFound
	}
	rec.lastActivityAt = m.now().UTC()
	return nil
}

// SetMetadata stores an opaque annotation on the context.
func (m *Manager) SetMetadata(id, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.contexts[id]
	if !ok {
		return ErrContextNotFound
	}
	rec.metadata[key] = value
	return nil
}

// SweepIdle removes contexts whose last activity predates now minus the idle
// TTL and whose tasks are all terminal. It returns the evicted ids.
func (m *Manager) SweepIdle(now time.Time) []string {
	cutoff := now.Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for id, rec := range m.contexts {
		if !rec.lastActivityAt.Before(cutoff) {
			continue
		}
		if m.terminals != nil && !m.terminals.AllTerminal(rec.taskIDs) {
			continue
		}
		delete(m.contexts, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// Len reports the number of live contexts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

func snapshot(rec *record) Context {
	meta := make(map[string]any, len(rec.metadata))
	for k, v := range rec.metadata {
		meta[k] = v
	}
	return Context{
		ID:             rec.id,
		CreatedAt:      rec.createdAt,
		LastActivityAt: rec.lastActivityAt,
		TaskIDs:        slices.Clone(rec.taskIDs),
		Metadata:       meta,
	}
}
