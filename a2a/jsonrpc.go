package a2a

import "encoding/json"

// JSON-RPC method names.
const (
	MethodSendMessage          = "message/send"
	MethodSendStreamingMessage = "message/stream"
	MethodGetTask              = "tasks/get"
	MethodCancelTask           = "tasks/cancel"
	MethodResubscribeTask      = "tasks/resubscribe"
	MethodListTasks            = "tasks/list"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes in the JSON-RPC implementation-defined range.
const (
	CodeTaskNotFound      = -32001
	CodeTaskTerminal      = -32002
	CodeInvalidState      = -32003
	CodePluginNotFound    = -32004
	CodeInvalidInput      = -32005
	CodeTimeout           = -32006
	CodeStepLimitExceeded = -32007
	CodeBufferOverflow    = -32008
	CodePluginError       = -32009
)

// JSONRPCRequest is the JSON-RPC 2.0 request envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the JSON-RPC 2.0 response envelope. Exactly one of
// Result and Error is set.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *JSONRPCError) Error() string {
	return e.Message
}

// NewJSONRPCError builds an error object with optional structured data.
func NewJSONRPCError(code int, message string, data any) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message, Data: data}
}

// NewResponse builds a success response, marshaling result into the envelope.
// A marshal failure is reported as an internal error response instead.
func NewResponse(id any, result any) JSONRPCResponse {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, NewJSONRPCError(CodeInternalError, "failed to encode result", nil))
	}
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id any, rpcErr *JSONRPCError) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
}

// SendMessageRequest is the params object for message/send and message/stream.
type SendMessageRequest struct {
	Message       Message                   `json:"message"`
	Configuration *SendMessageConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
}

// SendMessageConfiguration tunes how the server answers a send request.
type SendMessageConfiguration struct {
	AcceptedOutputModes []string `json:"acceptedOutputModes,omitempty"`
	HistoryLength       *int     `json:"historyLength,omitempty"`
	Blocking            bool     `json:"blocking,omitempty"`
}

// GetTaskRequest is the params object for tasks/get.
type GetTaskRequest struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// CancelTaskRequest is the params object for tasks/cancel.
type CancelTaskRequest struct {
	ID string `json:"id"`
}

// ResubscribeTaskRequest is the params object for tasks/resubscribe.
type ResubscribeTaskRequest struct {
	ID string `json:"id"`
}

// ListTasksRequest is the params object for tasks/list.
type ListTasksRequest struct {
	ContextID string `json:"contextId,omitempty"`
	PageSize  int    `json:"pageSize,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
}

// ListTasksResponse is the result object for tasks/list.
type ListTasksResponse struct {
	Tasks         []Task `json:"tasks"`
	NextPageToken string `json:"nextPageToken,omitempty"`
	PageSize      int    `json:"pageSize,omitempty"`
	TotalSize     int    `json:"totalSize,omitempty"`
}
