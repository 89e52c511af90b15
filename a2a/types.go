// Package a2a defines the wire types for the Agent-to-Agent JSON-RPC + SSE
// protocol: tasks, messages, parts, artifacts, streaming events, the agent
// card, and the JSON-RPC envelope.
//
// All types serialize to the camelCase JSON the protocol mandates. TaskState
// values are validated on both marshal and unmarshal so malformed states are
// rejected at the boundary rather than propagating inward.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

// Task lifecycle states.
const (
	// TaskStateSubmitted is the initial state of every task.
	TaskStateSubmitted TaskState = "submitted"

	// TaskStateWorking indicates the task is actively being processed.
	TaskStateWorking TaskState = "working"

	// TaskStateInputRequired indicates a paused workflow waiting for caller input.
	// Only workflow tasks enter this state.
	TaskStateInputRequired TaskState = "input-required"

	// TaskStateAuthRequired indicates the task is blocked on an authorization step.
	TaskStateAuthRequired TaskState = "auth-required"

	// TaskStateCompleted is the terminal success state.
	TaskStateCompleted TaskState = "completed"

	// TaskStateFailed is the terminal failure state.
	TaskStateFailed TaskState = "failed"

	// TaskStateCanceled is the terminal state reached via tasks/cancel.
	TaskStateCanceled TaskState = "canceled"
)

// validTaskStates is the closed set of states accepted on the wire.
var validTaskStates = map[TaskState]bool{
	TaskStateSubmitted:     true,
	TaskStateWorking:       true,
	TaskStateInputRequired: true,
	TaskStateAuthRequired:  true,
	TaskStateCompleted:     true,
	TaskStateFailed:        true,
	TaskStateCanceled:      true,
}

// terminalTaskStates are states from which a task never transitions again.
var terminalTaskStates = map[TaskState]bool{
	TaskStateCompleted: true,
	TaskStateFailed:    true,
	TaskStateCanceled:  true,
}

// Terminal reports whether the state is terminal (completed, failed, canceled).
func (s TaskState) Terminal() bool {
	return terminalTaskStates[s]
}

// MarshalJSON validates the state before serializing it.
func (s TaskState) MarshalJSON() ([]byte, error) {
	if !validTaskStates[s] {
		return nil, fmt.Errorf("invalid task state: %q", string(s))
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON validates the state while deserializing it.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !validTaskStates[TaskState(raw)] {
		return fmt.Errorf("invalid task state: %q", raw)
	}
	*s = TaskState(raw)
	return nil
}

// TaskKind distinguishes LLM chat turns from workflow executions.
type TaskKind string

// Task kinds.
const (
	// TaskKindAITurn is a task driving one LLM chat turn.
	TaskKindAITurn TaskKind = "ai-turn"

	// TaskKindWorkflow is a task backing a workflow execution. Only these
	// tasks may pause in input-required.
	TaskKindWorkflow TaskKind = "workflow"
)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part is one unit of message or artifact content. Exactly one of Text, Data,
// URL, or Raw is set; MediaType and Filename qualify Data, URL, and Raw parts.
type Part struct {
	Text      *string        `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	URL       *string        `json:"url,omitempty"`
	Raw       []byte         `json:"raw,omitempty"`
	MediaType string         `json:"mimeType,omitempty"`
	Filename  string         `json:"name,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Text: &text}
}

// DataPart builds a structured data part.
func DataPart(value map[string]any) Part {
	return Part{Data: value}
}

// FilePart builds a file reference part.
func FilePart(url, mediaType, filename string) Part {
	return Part{URL: &url, MediaType: mediaType, Filename: filename}
}

// Message is a single protocol message within a context.
type Message struct {
	MessageID string `json:"messageId"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`

	// ReferenceTaskIDs carries child task ids surfaced on a parent task's
	// status message when a workflow is dispatched mid-turn.
	ReferenceTaskIDs []string `json:"referenceTaskIds,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Text != nil {
			out += *p.Text
		}
	}
	return out
}

// Artifact is a named, typed output of a task. Repeated events sharing an
// ArtifactID update the same artifact; Sequence orders those updates.
type Artifact struct {
	ArtifactID  string `json:"artifactId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MediaType   string `json:"mimeType,omitempty"`
	Parts       []Part `json:"parts"`
	Sequence    uint64 `json:"sequence,omitempty"`
}

// TaskStatus is the current state of a task plus an optional agent message
// explaining it.
type TaskStatus struct {
	State     TaskState  `json:"state"`
	Message   *Message   `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// PauseInfo describes why a workflow task is in input-required and what input
// shape will resume it.
type PauseInfo struct {
	Reason      string          `json:"reason,omitempty"`
	Message     string          `json:"message,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Task is one unit of agent work.
type Task struct {
	ID           string         `json:"id"`
	ContextID    string         `json:"contextId"`
	Kind         TaskKind       `json:"kind"`
	ParentTaskID string         `json:"parentTaskId,omitempty"`
	Status       TaskStatus     `json:"status"`
	Artifacts    []Artifact     `json:"artifacts,omitempty"`
	History      []Message      `json:"history,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PauseInfo    *PauseInfo     `json:"pauseInfo,omitempty"`
}

// Terminal reports whether the task has reached a terminal state.
func (t *Task) Terminal() bool {
	return t.Status.State.Terminal()
}
