package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/metrics"
	"github.com/uratmangun/arbitrum-vibekit-sub002/provider"
	"github.com/uratmangun/arbitrum-vibekit-sub002/task"
	"github.com/uratmangun/arbitrum-vibekit-sub002/tools"
)

// DefaultCancelGrace is how long a canceled execution gets to wind down
// before the runtime force-finalizes its task.
const DefaultCancelGrace = 5 * time.Second

// Runtime errors.
var (
	ErrPluginNotFound    = errors.New("workflow: plugin not found")
	ErrPluginExists      = errors.New("workflow: plugin already registered")
	ErrExecutionNotFound = errors.New("workflow: execution not found")
	ErrNotPaused         = errors.New("workflow: execution is not awaiting input")
	ErrArtifactNotFound  = errors.New("workflow: artifact not found")
)

// DispatchRequest names the plugin to run and the task coordinates of the
// new execution.
type DispatchRequest struct {
	PluginID     string
	ContextID    string
	Parameters   json.RawMessage
	ParentTaskID string
}

// Runtime owns every workflow execution: it registers plugins, dispatches
// executions onto their own goroutines, routes resume input into pauses, and
// enforces cancellation. All public methods are safe for concurrent use.
type Runtime struct {
	bus       *bus.Bus
	store     *task.Store
	validator *tools.Validator
	grace     time.Duration

	mu         sync.RWMutex
	plugins    map[string]*Plugin    // by plugin id
	byTool     map[string]string     // pseudo-tool name -> plugin id
	executions map[string]*execution // by task id
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithCancelGrace overrides the cancel enforcement deadline.
func WithCancelGrace(d time.Duration) Option {
	return func(rt *Runtime) { rt.grace = d }
}

// WithValidator shares a schema validator instead of creating one.
func WithValidator(v *tools.Validator) Option {
	return func(rt *Runtime) { rt.validator = v }
}

// NewRuntime creates a Runtime publishing to b and allocating tasks in store.
func NewRuntime(b *bus.Bus, store *task.Store, opts ...Option) *Runtime {
	rt := &Runtime{
		bus:        b,
		store:      store,
		validator:  tools.NewValidator(),
		grace:      DefaultCancelGrace,
		plugins:    make(map[string]*Plugin),
		byTool:     make(map[string]string),
		executions: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Register adds a plugin. The id must be new and must not collide with an
// existing plugin's pseudo-tool name after canonicalization.
func (rt *Runtime) Register(p *Plugin) error {
	if err := rt.checkPlugin(p); err != nil {
		return err
	}
	toolName := tools.WorkflowToolName(p.ID)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.plugins[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPluginExists, p.ID)
	}
	if other, taken := rt.byTool[toolName]; taken {
		return fmt.Errorf("workflow: plugin %s collides with %s on tool name %s", p.ID, other, toolName)
	}
	rt.plugins[p.ID] = p
	rt.byTool[toolName] = p.ID
	logger.Info("workflow plugin registered", "plugin", p.ID, "version", p.Version, "tool", toolName)
	return nil
}

// Unregister removes a plugin. In-flight executions keep their captured
// plugin and run to termination.
func (rt *Runtime) Unregister(id string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	p, ok := rt.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	delete(rt.plugins, id)
	delete(rt.byTool, tools.WorkflowToolName(p.ID))
	logger.Info("workflow plugin unregistered", "plugin", id)
	return nil
}

// Replace swaps a registered plugin's descriptor. Only future dispatches see
// the replacement; executions already in flight continue with the version
// they captured at dispatch.
func (rt *Runtime) Replace(p *Plugin) error {
	if err := rt.checkPlugin(p); err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.plugins[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, p.ID)
	}
	rt.plugins[p.ID] = p
	logger.Info("workflow plugin replaced", "plugin", p.ID, "version", p.Version)
	return nil
}

func (rt *Runtime) checkPlugin(p *Plugin) error {
	if err := p.validate(); err != nil {
		return err
	}
	if err := rt.validator.CheckSchema(p.InputSchema); err != nil {
		return fmt.Errorf("workflow: plugin %s input schema: %w", p.ID, err)
	}
	return nil
}

// Plugin returns a registered plugin by id.
func (rt *Runtime) Plugin(id string) (*Plugin, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	p, ok := rt.plugins[id]
	return p, ok
}

// PluginForTool resolves a dispatch_workflow pseudo-tool name to its plugin.
func (rt *Runtime) PluginForTool(toolName string) (*Plugin, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	id, ok := rt.byTool[toolName]
	if !ok {
		return nil, false
	}
	p, ok := rt.plugins[id]
	return p, ok
}

// Plugins lists the registered plugin descriptors sorted by id.
func (rt *Runtime) Plugins() []*Plugin {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Plugin, 0, len(rt.plugins))
	for _, p := range rt.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AvailableTools lists the pseudo-tool names of all registered plugins,
// sorted.
func (rt *Runtime) AvailableTools() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	names := make([]string, 0, len(rt.byTool))
	for name := range rt.byTool {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PseudoTools renders the registered plugins as tool definitions for the
// model. These are advertised only; calls are intercepted before any tool
// adapter sees them.
func (rt *Runtime) PseudoTools() []provider.ToolDef {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	defs := make([]provider.ToolDef, 0, len(rt.plugins))
	for _, p := range rt.plugins {
		description := p.Description
		if description == "" {
			description = fmt.Sprintf("Dispatch the %s workflow", p.ID)
		}
		defs = append(defs, provider.ToolDef{
			Name:        tools.WorkflowToolName(p.ID),
			Description: description,
			InputSchema: p.InputSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch validates parameters, allocates a workflow task, and starts the
// plugin on its own goroutine. The returned task is the child task in state
// submitted; its stream already carries task-created and submitted events.
func (rt *Runtime) Dispatch(ctx context.Context, req DispatchRequest) (*a2a.Task, error) {
	rt.mu.RLock()
	p, ok := rt.plugins[req.PluginID]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, req.PluginID)
	}

	if err := rt.validator.ValidateArgs(tools.WorkflowToolName(p.ID), p.InputSchema, req.Parameters); err != nil {
		return nil, err
	}

	t, err := rt.store.Create(ctx, a2a.TaskKindWorkflow, req.ContextID, req.ParentTaskID)
	if err != nil {
		return nil, err
	}

	// The execution outlives the dispatching request.
	execCtx, cancel := context.WithCancel(context.Background())
	x := &execution{
		taskID:       t.ID,
		contextID:    t.ContextID,
		parentTaskID: req.ParentTaskID,
		plugin:       p,
		params:       req.Parameters,
		startedAt:    t.CreatedAt,
		bus:          rt.bus,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        a2a.TaskStateSubmitted,
	}

	rt.mu.Lock()
	rt.executions[t.ID] = x
	rt.mu.Unlock()

	logger.WorkflowEvent("dispatched", t.ID, p.ID, "context_id", t.ContextID)
	go rt.run(execCtx, x)

	return t, nil
}

// run executes the plugin and finalizes the task from its outcome. Plugins
// publish their own working states; the runtime adds nothing between
// submitted and the plugin's first yield.
func (rt *Runtime) run(ctx context.Context, x *execution) {
	result, err := func() (result json.RawMessage, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("workflow: plugin %s panicked: %v", x.plugin.ID, r)
			}
		}()
		return x.plugin.Execute(ctx, &Run{exec: x})
	}()

	switch {
	case err == nil:
		rt.finalize(x, a2a.TaskStateCompleted, nil, resultMetadata(result))
	case x.isCancelWanted() || errors.Is(err, context.Canceled):
		rt.finalize(x, a2a.TaskStateCanceled, nil, nil)
	default:
		msg := x.agentMessage(a2a.TextPart(err.Error()))
		rt.finalize(x, a2a.TaskStateFailed, msg, map[string]any{"error": err.Error()})
	}
}

func resultMetadata(result json.RawMessage) map[string]any {
	if len(result) == 0 {
		return nil
	}
	return map[string]any{"result": result}
}

// finalize publishes the terminal status exactly once and retires the
// execution. Losing the publish race to a concurrent terminal event (the
// store's cancel, for instance) is fine; the stream's final event wins.
func (rt *Runtime) finalize(x *execution, state a2a.TaskState, msg *a2a.Message, metadata map[string]any) {
	x.finish.Do(func() {
		x.mu.Lock()
		x.finished = true
		x.mu.Unlock()

		evt := a2a.NewStatusUpdateEvent(x.taskID, x.contextID, state, msg)
		evt.Metadata = metadata
		if _, err := rt.bus.Publish(context.Background(), bus.StatusRecord(evt)); err != nil {
			if !errors.Is(err, bus.ErrTaskTerminal) {
				logger.Error("workflow finalize publish failed", "task_id", x.taskID, "error", err)
			}
		}

		rt.mu.Lock()
		delete(rt.executions, x.taskID)
		rt.mu.Unlock()

		x.cancel()
		close(x.done)
		metrics.RecordWorkflowExecution(x.plugin.ID, string(state), time.Since(x.startedAt).Seconds())
		logger.WorkflowEvent(string(state), x.taskID, x.plugin.ID)
	})
}

// Resume feeds caller input into a paused execution. Input is validated
// against the pause's schema first: invalid input is rejected and the
// execution stays paused. On success the task moves back to working before
// the plugin resumes, so subscribers always observe the transition.
func (rt *Runtime) Resume(ctx context.Context, executionID string, input json.RawMessage) (*a2a.Task, error) {
	rt.mu.RLock()
	x, ok := rt.executions[executionID]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	paused, schema := x.pauseState()
	if !paused {
		return nil, fmt.Errorf("%w: %s", ErrNotPaused, executionID)
	}
	if err := rt.validator.ValidateInput(executionID, schema, input); err != nil {
		return nil, err
	}

	evt := a2a.NewStatusUpdateEvent(x.taskID, x.contextID, a2a.TaskStateWorking, nil)
	if err := x.publishStatus(ctx, evt); err != nil {
		return nil, err
	}

	if !x.feedResume(input) {
		// A racing resume or cancel won between validation and delivery.
		return nil, fmt.Errorf("%w: %s", ErrNotPaused, executionID)
	}

	logger.WorkflowEvent("resumed", x.taskID, x.plugin.ID)
	return rt.store.Get(x.taskID)
}

// Cancel signals the execution's context and waits up to the grace period
// for the plugin to wind down. A plugin that does not exit in time has its
// task force-finalized as canceled; its goroutine may linger but can no
// longer publish. Canceling an unknown execution falls back to the store so
// terminal tasks stay idempotent.
func (rt *Runtime) Cancel(ctx context.Context, executionID string) (*a2a.Task, error) {
	rt.mu.RLock()
	x, ok := rt.executions[executionID]
	rt.mu.RUnlock()
	if !ok {
		return rt.store.Cancel(ctx, executionID)
	}

	x.markCancelWanted()
	x.cancel()

	select {
	case <-x.done:
	case <-time.After(rt.grace):
		logger.Warn("workflow cancel grace expired, force-finalizing",
			"task_id", x.taskID, "plugin", x.plugin.ID, "grace", rt.grace)
		rt.finalize(x, a2a.TaskStateCanceled, nil, nil)
	case <-ctx.Done():
		// The caller gave up waiting; enforcement continues in background.
		go func() {
			select {
			case <-x.done:
			case <-time.After(rt.grace):
				rt.finalize(x, a2a.TaskStateCanceled, nil, nil)
			}
		}()
		return rt.store.Get(x.taskID)
	}

	return rt.store.Get(x.taskID)
}

// GetArtifact fetches one artifact from a task's projection. It works after
// the execution itself is gone, as long as the task has not been swept.
func (rt *Runtime) GetArtifact(taskID, artifactID string) (*a2a.Artifact, error) {
	t, err := rt.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	for i := range t.Artifacts {
		if t.Artifacts[i].ArtifactID == artifactID {
			return &t.Artifacts[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrArtifactNotFound, taskID, artifactID)
}

// Execution returns a snapshot of a live execution.
func (rt *Runtime) Execution(executionID string) (Execution, bool) {
	rt.mu.RLock()
	x, ok := rt.executions[executionID]
	rt.mu.RUnlock()
	if !ok {
		return Execution{}, false
	}
	return x.snapshot(), true
}

// Executions lists snapshots of the live executions in a context, oldest
// first. An empty contextID lists every live execution.
func (rt *Runtime) Executions(contextID string) []Execution {
	rt.mu.RLock()
	live := make([]*execution, 0, len(rt.executions))
	for _, x := range rt.executions {
		if contextID == "" || x.contextID == contextID {
			live = append(live, x)
		}
	}
	rt.mu.RUnlock()

	out := make([]Execution, 0, len(live))
	for _, x := range live {
		out = append(out, x.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Running returns the number of live executions.
func (rt *Runtime) Running() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.executions)
}
