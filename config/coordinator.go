package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/metrics"
	"github.com/uratmangun/arbitrum-vibekit-sub002/provider"
	"github.com/uratmangun/arbitrum-vibekit-sub002/workflow"
)

// Snapshot is one complete hot-reloadable configuration revision: the system
// prompt, the model sampling parameters, and the full set of workflow
// plugins the node should offer. Version and UpdatedAt are stamped by the
// Coordinator on apply.
type Snapshot struct {
	SystemPrompt string
	Params       provider.Params
	Plugins      []*workflow.Plugin

	Version   int64
	UpdatedAt time.Time
}

// IsZero reports whether the snapshot has ever been applied.
func (s Snapshot) IsZero() bool {
	return s.Version == 0 && s.UpdatedAt.IsZero()
}

// PromptService is the slice of the AI service the coordinator reconfigures.
type PromptService interface {
	SetPrompt(prompt string)
	SetParams(params provider.Params)
}

// WorkflowRegistry is the slice of the workflow runtime the coordinator
// reconciles plugin sets against.
type WorkflowRegistry interface {
	Register(p *workflow.Plugin) error
	Unregister(id string) error
	Replace(p *workflow.Plugin) error
	AvailableTools() []string
}

// Coordinator applies configuration snapshots to a running node. Apply
// updates the AI service first, then reconciles the workflow plugin set,
// so a turn started after Apply returns sees the new prompt, parameters
// and tool catalog. Nothing in flight is touched: running turns keep the
// prompt they read at start, and running executions keep the plugin they
// captured at dispatch.
type Coordinator struct {
	service PromptService
	runtime WorkflowRegistry
	clock   func() time.Time

	mu      sync.Mutex
	current Snapshot
	applied map[string]bool // plugin ids registered by this coordinator

	subsMu         sync.Mutex
	subscribers    map[uint64]chan Snapshot
	nextSubscriber uint64
}

// NewCoordinator wires a Coordinator to the service and runtime it manages.
func NewCoordinator(service PromptService, runtime WorkflowRegistry) *Coordinator {
	return &Coordinator{
		service:     service,
		runtime:     runtime,
		clock:       time.Now,
		applied:     make(map[string]bool),
		subscribers: make(map[uint64]chan Snapshot),
	}
}

// Apply pushes a snapshot onto the running node: prompt and parameters
// first (new turns only), then the plugin diff against the previous
// snapshot (unregister removed ids, register added ones, replace the rest;
// future dispatches only). The advertised tool set follows automatically
// because the service reads the live registries at each turn start.
//
// A plugin that fails validation is reported in the returned error and
// skipped; the rest of the snapshot still applies. The returned Snapshot
// carries the assigned version.
func (c *Coordinator) Apply(snap Snapshot) (Snapshot, error) {
	incoming := make(map[string]*workflow.Plugin, len(snap.Plugins))
	for _, p := range snap.Plugins {
		if p == nil {
			return Snapshot{}, errors.New("config: snapshot contains a nil plugin")
		}
		if _, dup := incoming[p.ID]; dup {
			return Snapshot{}, fmt.Errorf("config: duplicate plugin id %q in snapshot", p.ID)
		}
		incoming[p.ID] = p
	}

	c.mu.Lock()

	c.service.SetPrompt(snap.SystemPrompt)
	c.service.SetParams(snap.Params)

	var errs []error
	for id := range c.applied {
		if _, keep := incoming[id]; keep {
			continue
		}
		if err := c.runtime.Unregister(id); err != nil {
			errs = append(errs, fmt.Errorf("unregister %s: %w", id, err))
		}
	}

	registered := make(map[string]bool, len(incoming))
	for _, p := range snap.Plugins {
		if c.applied[p.ID] {
			// Replace leaves the previous descriptor in place when the new
			// one is rejected, so the id stays registered either way.
			if err := c.runtime.Replace(p); err != nil {
				errs = append(errs, fmt.Errorf("replace %s: %w", p.ID, err))
			}
			registered[p.ID] = true
			continue
		}
		if err := c.runtime.Register(p); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", p.ID, err))
			continue
		}
		registered[p.ID] = true
	}
	c.applied = registered

	stamped := snap
	stamped.Version = c.current.Version + 1
	stamped.UpdatedAt = c.clock()
	c.current = stamped

	tools := c.runtime.AvailableTools()
	c.mu.Unlock()

	metrics.RecordConfigApplied(stamped.Version)
	logger.Info("🔄 Config applied",
		"version", stamped.Version,
		"plugins", len(registered),
		"workflow_tools", len(tools),
		"errors", len(errs),
	)

	c.notify(stamped)
	return stamped, errors.Join(errs...)
}

// Current returns the last applied snapshot.
func (c *Coordinator) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe registers a listener for applied snapshots. The returned channel
// receives the current snapshot (if one has been applied) followed by future
// ones; slow listeners miss intermediate revisions rather than blocking
// Apply. Call the cleanup function to stop receiving.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.subsMu.Lock()
	id := c.nextSubscriber
	c.nextSubscriber++
	c.subscribers[id] = ch
	c.subsMu.Unlock()

	c.mu.Lock()
	snapshot := c.current
	c.mu.Unlock()
	if !snapshot.IsZero() {
		ch <- snapshot
	}

	cleanup := func() {
		c.subsMu.Lock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
		c.subsMu.Unlock()
	}

	return ch, cleanup
}

func (c *Coordinator) notify(snapshot Snapshot) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
