package a2a

import "time"

// Streaming event kinds carried in the "kind" discriminator of SSE frames.
const (
	EventKindStatusUpdate   = "status-update"
	EventKindArtifactUpdate = "artifact-update"
	EventKindTextDelta      = "text-delta"
)

// TaskStatusUpdateEvent announces a task state change. The event carrying a
// terminal state has Final set; it is the last event on the task's stream.
type TaskStatusUpdateEvent struct {
	Kind      string         `json:"kind,omitempty"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// PauseInfo accompanies input-required updates so resubscribers learn
	// the expected input shape without a separate tasks/get.
	PauseInfo *PauseInfo `json:"pauseInfo,omitempty"`
}

// NewStatusUpdateEvent builds a status-update event with a UTC timestamp.
func NewStatusUpdateEvent(taskID, contextID string, state TaskState, msg *Message) TaskStatusUpdateEvent {
	now := time.Now().UTC()
	return TaskStatusUpdateEvent{
		Kind:      EventKindStatusUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Status: TaskStatus{
			State:     state,
			Message:   msg,
			Timestamp: &now,
		},
		Final: state.Terminal(),
	}
}

// TaskArtifactUpdateEvent announces new or updated artifact content.
//
// Updates sharing an ArtifactID replace the prior artifact's parts unless
// Append is set, in which case parts are appended; with Index also set, the
// first appended text part is concatenated onto the existing part at that
// index (streamed text). LastChunk marks the artifact complete.
type TaskArtifactUpdateEvent struct {
	Kind      string   `json:"kind,omitempty"`
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId,omitempty"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append,omitempty"`
	Index     *int     `json:"index,omitempty"`
	LastChunk bool     `json:"lastChunk,omitempty"`
}

// NewArtifactUpdateEvent builds an artifact-update event.
func NewArtifactUpdateEvent(taskID, contextID string, artifact Artifact) TaskArtifactUpdateEvent {
	return TaskArtifactUpdateEvent{
		Kind:      EventKindArtifactUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Artifact:  artifact,
	}
}

// TaskTextDeltaEvent carries one increment of streamed assistant text for
// live rendering. Deltas are advisory; the complete text arrives in the
// final status message.
type TaskTextDeltaEvent struct {
	Kind      string `json:"kind,omitempty"`
	TaskID    string `json:"taskId"`
	ContextID string `json:"contextId,omitempty"`
	Delta     string `json:"delta"`
}

// NewTextDeltaEvent builds a text-delta event.
func NewTextDeltaEvent(taskID, contextID, delta string) TaskTextDeltaEvent {
	return TaskTextDeltaEvent{
		Kind:      EventKindTextDelta,
		TaskID:    taskID,
		ContextID: contextID,
		Delta:     delta,
	}
}
