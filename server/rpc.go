package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/contexts"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/metrics"
	"github.com/uratmangun/arbitrum-vibekit-sub002/task"
	"github.com/uratmangun/arbitrum-vibekit-sub002/tools"
	"github.com/uratmangun/arbitrum-vibekit-sub002/workflow"
)

const (
	// defaultPageSize is the tasks/list page size when the request names none.
	defaultPageSize = 100

	// maxPageSize caps tasks/list pages.
	maxPageSize = 500
)

// handleRPC decodes one JSON-RPC request and dispatches it. Method handlers
// write their own result (streaming ones write SSE frames) and return a
// protocol error for handleRPC to frame, so every failure path produces
// exactly one id-correlated error response.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if s.auth != nil {
		if err := s.auth.Authenticate(r); err != nil {
			logger.Warn("A2A authentication failed", "remote", r.RemoteAddr, "error", err)
			s.writeError(w, nil, a2a.NewJSONRPCError(codeAuthFailed, "Authentication failed", nil))
			metrics.RecordRPCRequest("unauthenticated", "error", time.Since(start).Seconds())
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	var req a2a.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, a2a.NewJSONRPCError(a2a.CodeParseError, fmt.Sprintf("Parse error: %v", err), nil))
		metrics.RecordRPCRequest("unparseable", "error", time.Since(start).Seconds())
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeError(w, req.ID, a2a.NewJSONRPCError(a2a.CodeInvalidRequest, "Invalid Request", nil))
		metrics.RecordRPCRequest("invalid", "error", time.Since(start).Seconds())
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", req.Method),
	)

	var rpcErr *a2a.JSONRPCError
	switch req.Method {
	case a2a.MethodSendMessage:
		rpcErr = s.handleSendMessage(w, r, &req)
	case a2a.MethodSendStreamingMessage:
		rpcErr = s.handleStreamMessage(w, r, &req)
	case a2a.MethodGetTask:
		rpcErr = s.handleGetTask(w, &req)
	case a2a.MethodCancelTask:
		rpcErr = s.handleCancelTask(w, r, &req)
	case a2a.MethodResubscribeTask:
		rpcErr = s.handleResubscribe(w, r, &req)
	case a2a.MethodListTasks:
		rpcErr = s.handleListTasks(w, &req)
	default:
		rpcErr = a2a.NewJSONRPCError(a2a.CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}
	if rpcErr != nil {
		s.writeError(w, req.ID, rpcErr)
	}

	status := "ok"
	if rpcErr != nil {
		status = "error"
	}
	elapsed := time.Since(start)
	metrics.RecordRPCRequest(req.Method, status, elapsed.Seconds())
	logger.Debug("A2A request", "method", req.Method, "status", status, "duration_ms", elapsed.Milliseconds())
}

// handleSendMessage routes one message and answers synchronously: a new AI
// turn is awaited to its terminal state, and a workflow resume is awaited to
// its settle point, which is the next pause or a terminal state.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, req *a2a.JSONRPCRequest) *a2a.JSONRPCError {
	params, rpcErr := decodeSendParams(req.Params)
	if rpcErr != nil {
		return rpcErr
	}

	if params.Message.TaskID != "" {
		return s.sendToTask(w, r, req.ID, params.Message)
	}

	res, err := s.executor.Execute(r.Context(), params.Message)
	if err != nil {
		return s.rpcError(err)
	}
	s.writeResult(w, req.ID, s.awaitFinal(r.Context(), res.Task))
	return nil
}

// sendToTask feeds a message to an existing task. The stream position is
// pinned before routing so the settle events cannot slip past between the
// resume and the subscribe.
func (s *Server) sendToTask(w http.ResponseWriter, r *http.Request, id any, msg a2a.Message) *a2a.JSONRPCError {
	var sub *bus.Subscription
	if last, err := s.bus.LastSeq(msg.TaskID); err == nil {
		if live, err := s.bus.Subscribe(msg.TaskID, last+1); err == nil {
			sub = live
			defer sub.Close()
		}
	}

	res, err := s.executor.Execute(r.Context(), msg)
	if err != nil {
		return s.rpcError(err)
	}
	if res.Duplicate || sub == nil {
		s.writeResult(w, id, res.Task)
		return nil
	}
	s.writeResult(w, id, s.awaitSettle(r.Context(), sub, res.Task))
	return nil
}

// awaitFinal blocks until the task's stream delivers its final record, then
// returns the final projection. Client disconnects and swept streams fall
// back to the freshest snapshot available.
func (s *Server) awaitFinal(ctx context.Context, t *a2a.Task) *a2a.Task {
	sub, err := s.bus.Subscribe(t.ID, 0)
	if err != nil {
		return s.snapshot(t)
	}
	defer sub.Close()

	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				// The pump closes the channel after delivering the final
				// record; the store has already projected it.
				return s.snapshot(t)
			}
		case <-ctx.Done():
			return s.snapshot(t)
		}
	}
}

// awaitSettle drains live records after a resume until the task pauses again
// or reaches a terminal state.
func (s *Server) awaitSettle(ctx context.Context, sub *bus.Subscription, t *a2a.Task) *a2a.Task {
	for {
		select {
		case rec, ok := <-sub.Events():
			if !ok || rec.Final {
				return s.snapshot(t)
			}
			if rec.Kind == bus.EventStatusUpdate && rec.Status != nil &&
				rec.Status.Status.State == a2a.TaskStateInputRequired {
				return s.snapshot(t)
			}
		case <-ctx.Done():
			return s.snapshot(t)
		}
	}
}

// snapshot fetches the task's current projection, falling back to the last
// known one if the task was swept while we waited.
func (s *Server) snapshot(t *a2a.Task) *a2a.Task {
	if fresh, err := s.store.Get(t.ID); err == nil {
		return fresh
	}
	return t
}

func (s *Server) handleGetTask(w http.ResponseWriter, req *a2a.JSONRPCRequest) *a2a.JSONRPCError {
	var params a2a.GetTaskRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return a2a.NewJSONRPCError(a2a.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err), nil)
	}
	if params.ID == "" {
		return a2a.NewJSONRPCError(a2a.CodeInvalidParams, "Invalid params: id is required", nil)
	}

	t, err := s.store.Get(params.ID)
	if err != nil {
		return s.rpcError(err)
	}
	if params.HistoryLength != nil && *params.HistoryLength >= 0 && len(t.History) > *params.HistoryLength {
		t.History = t.History[len(t.History)-*params.HistoryLength:]
	}
	s.writeResult(w, req.ID, t)
	return nil
}

// handleCancelTask cancels a task. Re-canceling an already canceled task is
// idempotent and returns the task; canceling one that completed or failed is
// a terminal-state error.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, req *a2a.JSONRPCRequest) *a2a.JSONRPCError {
	var params a2a.CancelTaskRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return a2a.NewJSONRPCError(a2a.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err), nil)
	}
	if params.ID == "" {
		return a2a.NewJSONRPCError(a2a.CodeInvalidParams, "Invalid params: id is required", nil)
	}

	t, err := s.executor.Cancel(r.Context(), params.ID)
	if err != nil {
		if errors.Is(err, task.ErrTaskTerminal) && t != nil && t.Status.State == a2a.TaskStateCanceled {
			s.writeResult(w, req.ID, t)
			return nil
		}
		return s.rpcError(err)
	}
	s.writeResult(w, req.ID, t)
	return nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, req *a2a.JSONRPCRequest) *a2a.JSONRPCError {
	var params a2a.ListTasksRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return a2a.NewJSONRPCError(a2a.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err), nil)
		}
	}

	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	offset := 0
	if params.PageToken != "" {
		n, err := strconv.Atoi(params.PageToken)
		if err != nil || n < 0 {
			return a2a.NewJSONRPCError(a2a.CodeInvalidParams, fmt.Sprintf("Invalid page token: %q", params.PageToken), nil)
		}
		offset = n
	}

	tasks, total := s.store.List(params.ContextID, pageSize, offset)
	resp := a2a.ListTasksResponse{
		Tasks:     tasks,
		PageSize:  pageSize,
		TotalSize: total,
	}
	if offset+len(tasks) < total {
		resp.NextPageToken = strconv.Itoa(offset + len(tasks))
	}
	s.writeResult(w, req.ID, resp)
	return nil
}

// decodeSendParams validates the shared params shape of message/send and
// message/stream.
func decodeSendParams(raw json.RawMessage) (*a2a.SendMessageRequest, *a2a.JSONRPCError) {
	var params a2a.SendMessageRequest
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, a2a.NewJSONRPCError(a2a.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err), nil)
	}
	if len(params.Message.Parts) == 0 {
		return nil, a2a.NewJSONRPCError(a2a.CodeInvalidParams, "Invalid params: message requires at least one part", nil)
	}
	return &params, nil
}

// rpcError maps component errors onto the protocol error table. Unrecognized
// errors are internal: the detail is logged but not echoed to the caller.
func (s *Server) rpcError(err error) *a2a.JSONRPCError {
	var verr *tools.ValidationError
	switch {
	case errors.As(err, &verr):
		return a2a.NewJSONRPCError(a2a.CodeInvalidInput, "Invalid input", verr)
	case errors.Is(err, contexts.ErrContextNotFound):
		return a2a.NewJSONRPCError(a2a.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err),
			map[string]string{"hint": "omit contextId to start a new conversation"})
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, workflow.ErrExecutionNotFound),
		errors.Is(err, bus.ErrStreamNotFound):
		return a2a.NewJSONRPCError(a2a.CodeTaskNotFound, fmt.Sprintf("Task not found: %v", err), nil)
	case errors.Is(err, task.ErrTaskTerminal), errors.Is(err, bus.ErrTaskTerminal):
		return a2a.NewJSONRPCError(a2a.CodeTaskTerminal, fmt.Sprintf("Task is terminal: %v", err), nil)
	case errors.Is(err, agent.ErrInvalidState), errors.Is(err, workflow.ErrNotPaused),
		errors.Is(err, task.ErrInvalidTransition):
		return a2a.NewJSONRPCError(a2a.CodeInvalidState, fmt.Sprintf("Invalid state: %v", err), nil)
	case errors.Is(err, workflow.ErrPluginNotFound):
		return a2a.NewJSONRPCError(a2a.CodePluginNotFound, fmt.Sprintf("Plugin not found: %v", err), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return a2a.NewJSONRPCError(a2a.CodeTimeout, "Request timed out", nil)
	case errors.Is(err, bus.ErrBufferOverflow):
		return a2a.NewJSONRPCError(a2a.CodeBufferOverflow, fmt.Sprintf("Event buffer overflow: %v", err), nil)
	default:
		logger.Error("A2A internal error", "error", err)
		return a2a.NewJSONRPCError(a2a.CodeInternalError, "Internal error", nil)
	}
}

func (s *Server) writeResult(w http.ResponseWriter, id any, result any) {
	s.writeResponse(w, a2a.NewResponse(id, result))
}

func (s *Server) writeError(w http.ResponseWriter, id any, rpcErr *a2a.JSONRPCError) {
	s.writeResponse(w, a2a.NewErrorResponse(id, rpcErr))
}

func (s *Server) writeResponse(w http.ResponseWriter, resp a2a.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Debug("write rpc response", "error", err)
	}
}
