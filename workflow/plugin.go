// Package workflow hosts resumable workflow executions. Plugins run as
// cooperative routines that yield status, artifacts, and pauses through a Run
// handle; the runtime projects every yield onto the task's event stream and
// parks paused executions until the caller supplies schema-valid input.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/metrics"
)

// Plugin is the static descriptor of one workflow. Execute runs once per
// dispatch on its own goroutine; it must not share mutable state across
// executions.
type Plugin struct {
	ID          string
	Name        string
	Description string
	Version     string
	InputSchema json.RawMessage

	// Execute drives the workflow. The returned value becomes the task's
	// completion result; a non-nil error fails the task. Honoring ctx
	// promptly is what makes cancellation graceful.
	Execute func(ctx context.Context, run *Run) (json.RawMessage, error)
}

func (p *Plugin) validate() error {
	if p == nil {
		return fmt.Errorf("workflow: nil plugin")
	}
	if p.ID == "" {
		return fmt.Errorf("workflow: plugin has no id")
	}
	if p.Execute == nil {
		return fmt.Errorf("workflow: plugin %s has no execute function", p.ID)
	}
	if p.Version != "" {
		if _, err := semver.NewVersion(p.Version); err != nil {
			return fmt.Errorf("workflow: plugin %s version %q: %w", p.ID, p.Version, err)
		}
	}
	return nil
}

// PauseRequest describes a pause yield: why the workflow stopped and what
// input shape resumes it.
type PauseRequest struct {
	Reason      string
	Message     string
	InputSchema json.RawMessage
}

// Run is the yield surface handed to a plugin's Execute. Every method
// publishes onto the execution's task stream; after the task reaches a final
// state all of them return ErrExecutionFinished.
type Run struct {
	exec *execution
}

// TaskID returns the id of the task backing this execution.
func (r *Run) TaskID() string { return r.exec.taskID }

// ContextID returns the conversation context the execution belongs to.
func (r *Run) ContextID() string { return r.exec.contextID }

// Params returns the dispatch parameters, already validated against the
// plugin's input schema.
func (r *Run) Params() json.RawMessage { return r.exec.params }

// Working yields a working status. msg may be empty.
func (r *Run) Working(ctx context.Context, msg string) error {
	var statusMsg *a2a.Message
	if msg != "" {
		statusMsg = r.exec.agentMessage(a2a.TextPart(msg))
	}
	evt := a2a.NewStatusUpdateEvent(r.exec.taskID, r.exec.contextID, a2a.TaskStateWorking, statusMsg)
	if err := r.exec.publishStatus(ctx, evt); err != nil {
		return err
	}
	metrics.RecordWorkflowYield("working")
	return nil
}

// Progress yields a working status annotated with step progress.
func (r *Run) Progress(ctx context.Context, current, total int) error {
	evt := a2a.NewStatusUpdateEvent(r.exec.taskID, r.exec.contextID, a2a.TaskStateWorking, nil)
	evt.Metadata = map[string]any{"progress": fmt.Sprintf("%d/%d", current, total)}
	if err := r.exec.publishStatus(ctx, evt); err != nil {
		return err
	}
	metrics.RecordWorkflowYield("progress")
	return nil
}

// ArtifactOption adjusts how an artifact update merges with prior updates of
// the same artifact id.
type ArtifactOption func(*a2a.TaskArtifactUpdateEvent)

// Append appends the update's parts instead of replacing the artifact.
func Append() ArtifactOption {
	return func(evt *a2a.TaskArtifactUpdateEvent) { evt.Append = true }
}

// AppendAt appends by concatenating the first text part onto the existing
// part at index, for streamed text.
func AppendAt(index int) ArtifactOption {
	return func(evt *a2a.TaskArtifactUpdateEvent) {
		evt.Append = true
		evt.Index = &index
	}
}

// LastChunk marks the artifact complete; no further updates are expected.
func LastChunk() ArtifactOption {
	return func(evt *a2a.TaskArtifactUpdateEvent) { evt.LastChunk = true }
}

// Artifact yields an artifact update.
func (r *Run) Artifact(ctx context.Context, artifact a2a.Artifact, opts ...ArtifactOption) error {
	evt := a2a.NewArtifactUpdateEvent(r.exec.taskID, r.exec.contextID, artifact)
	for _, opt := range opts {
		opt(&evt)
	}
	if err := r.exec.publishArtifact(ctx, evt); err != nil {
		return err
	}
	metrics.RecordWorkflowYield("artifact")
	return nil
}

// Respond yields an agent message into the task history, for mid-run answers
// that are neither status nor artifact.
func (r *Run) Respond(ctx context.Context, parts ...a2a.Part) error {
	if err := r.exec.publishMessage(ctx, r.exec.agentMessage(parts...)); err != nil {
		return err
	}
	metrics.RecordWorkflowYield("message")
	return nil
}

// Pause suspends the execution until the caller resumes it with input valid
// under req.InputSchema. The task moves to input-required; the returned bytes
// are the validated resume input. Pause returns ctx.Err when the execution is
// canceled while suspended.
func (r *Run) Pause(ctx context.Context, req PauseRequest) (json.RawMessage, error) {
	return r.exec.pause(ctx, req)
}
