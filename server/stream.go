package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/metrics"
)

// handleStreamMessage routes one message and streams the targeted task's
// events. New turns and resumes stream the same way: full replay from the
// task's first event, then the live tail.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request, req *a2a.JSONRPCRequest) *a2a.JSONRPCError {
	params, rpcErr := decodeSendParams(req.Params)
	if rpcErr != nil {
		return rpcErr
	}

	res, err := s.executor.Execute(r.Context(), params.Message)
	if err != nil {
		return s.rpcError(err)
	}
	return s.streamEvents(w, r, req.ID, res.Task.ID)
}

// handleResubscribe re-attaches a client to an existing task's stream.
func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request, req *a2a.JSONRPCRequest) *a2a.JSONRPCError {
	var params a2a.ResubscribeTaskRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return a2a.NewJSONRPCError(a2a.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err), nil)
	}
	if params.ID == "" {
		return a2a.NewJSONRPCError(a2a.CodeInvalidParams, "Invalid params: id is required", nil)
	}
	if _, err := s.store.Get(params.ID); err != nil {
		return s.rpcError(err)
	}
	return s.streamEvents(w, r, req.ID, params.ID)
}

// streamEvents replays a task's stream from the beginning and tails it until
// the final record or the client disconnect. When the ring has rotated past
// the oldest events, a synthetic status-update snapshot leads the stream so
// the subscriber catches up on state the retained tail no longer shows. A
// stream that was swept entirely degrades to a single snapshot frame.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, rpcID any, taskID string) *a2a.JSONRPCError {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return a2a.NewJSONRPCError(a2a.CodeInternalError, "Streaming not supported", nil)
	}

	sub, subErr := s.bus.Subscribe(taskID, 0)
	t, getErr := s.store.Get(taskID)
	if subErr != nil && getErr != nil {
		return s.rpcError(getErr)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.SSEStreamOpened()
	defer metrics.SSEStreamClosed()

	if subErr != nil {
		s.writeFrame(w, flusher, rpcID, statusSnapshot(t))
		return nil
	}
	defer sub.Close()

	if getErr == nil && sub.ReplayStart() > 1 {
		snap := statusSnapshot(t)
		// The retained tail still ends with the genuine final record; a
		// catch-up frame must not end the stream early.
		snap.Final = false
		s.writeFrame(w, flusher, rpcID, snap)
	}

	for {
		select {
		case rec, ok := <-sub.Events():
			if !ok {
				return nil
			}
			s.writeFrame(w, flusher, rpcID, rec.Payload())
			if rec.Final {
				return nil
			}
		case <-r.Context().Done():
			return nil
		}
	}
}

// statusSnapshot projects a stored task into a catch-up status-update frame.
func statusSnapshot(t *a2a.Task) a2a.TaskStatusUpdateEvent {
	return a2a.TaskStatusUpdateEvent{
		Kind:      a2a.EventKindStatusUpdate,
		TaskID:    t.ID,
		ContextID: t.ContextID,
		Status:    t.Status,
		Final:     t.Status.State.Terminal(),
		PauseInfo: t.PauseInfo,
	}
}

// writeFrame emits one SSE frame carrying an id-correlated response envelope.
func (s *Server) writeFrame(w http.ResponseWriter, flusher http.Flusher, rpcID any, payload any) {
	resp := a2a.NewResponse(rpcID, payload)
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Debug("marshal sse frame", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
