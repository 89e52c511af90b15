package bus

import (
	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
)

// EventKind classifies a bus record.
type EventKind string

// Bus event kinds.
const (
	EventTaskCreated    EventKind = "task-created"
	EventStatusUpdate   EventKind = "status-update"
	EventArtifactUpdate EventKind = "artifact-update"
	EventMessage        EventKind = "message"
	EventTextDelta      EventKind = "text-delta"
)

// Record is one event on a task's stream. Seq is assigned by Publish,
// monotone per task starting at 1. Exactly one payload field is set,
// matching Kind.
type Record struct {
	TaskID string
	Seq    uint64
	Kind   EventKind
	Final  bool

	Task     *a2a.Task                    // task-created
	Status   *a2a.TaskStatusUpdateEvent   // status-update
	Artifact *a2a.TaskArtifactUpdateEvent // artifact-update
	Message  *a2a.Message                 // message
	Delta    *a2a.TaskTextDeltaEvent      // text-delta
}

// Payload returns the record's event object for serialization.
func (r Record) Payload() any {
	switch r.Kind {
	case EventTaskCreated:
		return r.Task
	case EventStatusUpdate:
		return r.Status
	case EventArtifactUpdate:
		return r.Artifact
	case EventMessage:
		return r.Message
	case EventTextDelta:
		return r.Delta
	default:
		return nil
	}
}

// TaskCreatedRecord builds a task-created record carrying the task snapshot.
func TaskCreatedRecord(task *a2a.Task) Record {
	return Record{
		TaskID: task.ID,
		Kind:   EventTaskCreated,
		Task:   task,
	}
}

// StatusRecord builds a status-update record. Final mirrors the event.
func StatusRecord(evt a2a.TaskStatusUpdateEvent) Record {
	return Record{
		TaskID: evt.TaskID,
		Kind:   EventStatusUpdate,
		Final:  evt.Final,
		Status: &evt,
	}
}

// ArtifactRecord builds an artifact-update record.
func ArtifactRecord(evt a2a.TaskArtifactUpdateEvent) Record {
	return Record{
		TaskID:   evt.TaskID,
		Kind:     EventArtifactUpdate,
		Artifact: &evt,
	}
}

// MessageRecord builds a message record for agent messages emitted mid-task.
func MessageRecord(taskID string, msg a2a.Message) Record {
	return Record{
		TaskID:  taskID,
		Kind:    EventMessage,
		Message: &msg,
	}
}

// DeltaRecord builds a text-delta record.
func DeltaRecord(evt a2a.TaskTextDeltaEvent) Record {
	return Record{
		TaskID: evt.TaskID,
		Kind:   EventTextDelta,
		Delta:  &evt,
	}
}
