package metrics

import (
	"sync"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
)

// TaskListener projects bus records onto the task metrics: creations, state
// transitions, the live-task gauge, lifetimes and raw event counts. Wire it
// up with bus.Observe(listener.Handle).
type TaskListener struct {
	mu      sync.Mutex
	started map[string]taskStart
}

type taskStart struct {
	kind      string
	state     string
	createdAt time.Time
}

// NewTaskListener creates a listener with no tracked tasks.
func NewTaskListener() *TaskListener {
	return &TaskListener{started: make(map[string]taskStart)}
}

// Handle processes one bus record. It runs inside Publish and must stay
// cheap; everything here is a map touch and counter updates.
func (l *TaskListener) Handle(rec bus.Record) {
	eventsPublishedTotal.WithLabelValues(string(rec.Kind)).Inc()

	switch rec.Kind {
	case bus.EventTaskCreated:
		if rec.Task == nil {
			return
		}
		kind := string(rec.Task.Kind)
		state := string(rec.Task.Status.State)
		if state == "" {
			state = string(a2a.TaskStateSubmitted)
		}
		tasksCreatedTotal.WithLabelValues(kind).Inc()
		tasksLive.WithLabelValues(state).Inc()
		l.mu.Lock()
		l.started[rec.TaskID] = taskStart{kind: kind, state: state, createdAt: rec.Task.CreatedAt}
		l.mu.Unlock()

	case bus.EventStatusUpdate:
		if rec.Status == nil {
			return
		}
		state := string(rec.Status.Status.State)
		taskTransitionsTotal.WithLabelValues(state).Inc()

		l.mu.Lock()
		start, ok := l.started[rec.TaskID]
		if ok {
			tasksLive.WithLabelValues(start.state).Dec()
			if rec.Final {
				delete(l.started, rec.TaskID)
			} else {
				start.state = state
				l.started[rec.TaskID] = start
				tasksLive.WithLabelValues(state).Inc()
			}
		}
		l.mu.Unlock()
		if !rec.Final || !ok {
			return
		}

		tasksFinishedTotal.WithLabelValues(start.kind, state).Inc()

		end := time.Now()
		if ts := rec.Status.Status.Timestamp; ts != nil {
			end = *ts
		}
		if d := end.Sub(start.createdAt); d > 0 {
			taskDuration.WithLabelValues(start.kind, state).Observe(d.Seconds())
		}
	}
}

// Tracking reports how many non-terminal tasks the listener is following.
func (l *TaskListener) Tracking() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.started)
}
