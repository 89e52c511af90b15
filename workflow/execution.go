package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/metrics"
)

// ErrExecutionFinished is returned to a plugin that keeps yielding after its
// task reached a final state (typically an enforced cancel).
var ErrExecutionFinished = errors.New("workflow: execution finished")

// execution is the runtime record of one dispatched workflow. Its id is the
// backing task's id. The plugin pointer is captured at dispatch time, so a
// concurrent Replace never changes a running execution.
type execution struct {
	taskID       string
	contextID    string
	parentTaskID string
	plugin       *Plugin
	params       json.RawMessage
	startedAt    time.Time

	bus    *bus.Bus
	cancel context.CancelFunc
	done   chan struct{}
	finish sync.Once

	mu           sync.Mutex
	state        a2a.TaskState // last state this execution published
	paused       bool
	pauseSchema  json.RawMessage
	resumeCh     chan json.RawMessage
	cancelWanted bool
	finished     bool
}

// Execution is a read-only snapshot for introspection.
type Execution struct {
	TaskID       string
	ContextID    string
	ParentTaskID string
	PluginID     string
	StartedAt    time.Time
	Paused       bool
}

func (x *execution) snapshot() Execution {
	x.mu.Lock()
	defer x.mu.Unlock()
	return Execution{
		TaskID:       x.taskID,
		ContextID:    x.contextID,
		ParentTaskID: x.parentTaskID,
		PluginID:     x.plugin.ID,
		StartedAt:    x.startedAt,
		Paused:       x.paused,
	}
}

func (x *execution) agentMessage(parts ...a2a.Part) *a2a.Message {
	return &a2a.Message{
		MessageID: uuid.NewString(),
		ContextID: x.contextID,
		TaskID:    x.taskID,
		Role:      a2a.RoleAgent,
		Parts:     parts,
	}
}

func (x *execution) isFinished() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.finished
}

func (x *execution) markCancelWanted() {
	x.mu.Lock()
	x.cancelWanted = true
	x.mu.Unlock()
}

func (x *execution) isCancelWanted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cancelWanted
}

// publish sends one record onto the task stream. A terminal stream means the
// runtime already finalized the task out from under the plugin.
func (x *execution) publish(ctx context.Context, rec bus.Record) error {
	if x.isFinished() {
		return ErrExecutionFinished
	}
	if _, err := x.bus.Publish(ctx, rec); err != nil {
		if errors.Is(err, bus.ErrTaskTerminal) {
			return ErrExecutionFinished
		}
		return err
	}
	return nil
}

func (x *execution) publishStatus(ctx context.Context, evt a2a.TaskStatusUpdateEvent) error {
	if err := x.publish(ctx, bus.StatusRecord(evt)); err != nil {
		return err
	}
	x.mu.Lock()
	x.state = evt.Status.State
	x.mu.Unlock()
	return nil
}

func (x *execution) publishArtifact(ctx context.Context, evt a2a.TaskArtifactUpdateEvent) error {
	return x.publish(ctx, bus.ArtifactRecord(evt))
}

func (x *execution) publishMessage(ctx context.Context, msg *a2a.Message) error {
	return x.publish(ctx, bus.MessageRecord(x.taskID, *msg))
}

// pause publishes input-required with the pause details and blocks until the
// runtime feeds resume input or the execution context ends.
func (x *execution) pause(ctx context.Context, req PauseRequest) (json.RawMessage, error) {
	x.mu.Lock()
	if x.finished {
		x.mu.Unlock()
		return nil, ErrExecutionFinished
	}
	needBridge := x.state != a2a.TaskStateWorking
	x.mu.Unlock()

	// input-required is only reachable from working. A plugin pausing as its
	// first yield gets the working transition on the house.
	if needBridge {
		evt := a2a.NewStatusUpdateEvent(x.taskID, x.contextID, a2a.TaskStateWorking, nil)
		if err := x.publishStatus(ctx, evt); err != nil {
			return nil, err
		}
	}

	x.mu.Lock()
	x.paused = true
	x.pauseSchema = req.InputSchema
	resumeCh := make(chan json.RawMessage, 1)
	x.resumeCh = resumeCh
	x.mu.Unlock()

	var msg *a2a.Message
	if req.Message != "" {
		msg = x.agentMessage(a2a.TextPart(req.Message))
	}
	evt := a2a.NewStatusUpdateEvent(x.taskID, x.contextID, a2a.TaskStateInputRequired, msg)
	evt.PauseInfo = &a2a.PauseInfo{
		Reason:      req.Reason,
		Message:     req.Message,
		InputSchema: req.InputSchema,
	}
	if err := x.publish(ctx, bus.StatusRecord(evt)); err != nil {
		x.clearPause()
		return nil, err
	}

	metrics.RecordWorkflowYield("pause")
	logger.WorkflowEvent("paused", x.taskID, x.plugin.ID, "reason", req.Reason)

	select {
	case input := <-resumeCh:
		return input, nil
	case <-ctx.Done():
		x.clearPause()
		return nil, ctx.Err()
	}
}

// feedResume hands input to a paused execution. It reports false when the
// execution is not actually paused, which serializes racing resume calls:
// only the first one finds the pause armed.
func (x *execution) feedResume(input json.RawMessage) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.paused || x.resumeCh == nil {
		return false
	}
	x.paused = false
	x.pauseSchema = nil
	ch := x.resumeCh
	x.resumeCh = nil
	ch <- input
	return true
}

// pauseState returns whether the execution is paused and, if so, the schema
// resume input must satisfy.
func (x *execution) pauseState() (bool, json.RawMessage) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.paused, x.pauseSchema
}

func (x *execution) clearPause() {
	x.mu.Lock()
	x.paused = false
	x.pauseSchema = nil
	x.resumeCh = nil
	x.mu.Unlock()
}
