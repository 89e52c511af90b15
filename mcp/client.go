package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	pkgerrors "github.com/uratmangun/arbitrum-vibekit-sub002/pkg/errors"
)

var (
	// ErrClientNotInitialized is returned when a tool operation runs before
	// the initialize handshake completed.
	ErrClientNotInitialized = errors.New("mcp: client not initialized")

	// ErrClientClosed is returned for any operation on a closed client.
	ErrClientClosed = errors.New("mcp: client closed")

	// ErrServerUnresponsive is returned when a request times out without a
	// response from the server process.
	ErrServerUnresponsive = errors.New("mcp: server unresponsive")

	// ErrProcessDied is returned when the server process exits while requests
	// are in flight.
	ErrProcessDied = errors.New("mcp: server process died")
)

// scannerBufferSize bounds a single JSON-RPC line from the server.
const scannerBufferSize = 1024 * 1024

// ClientOptions tunes the stdio client.
type ClientOptions struct {
	// RequestTimeout bounds a single request/response round trip.
	RequestTimeout time.Duration
	// InitTimeout bounds the initialize handshake.
	InitTimeout time.Duration
	// MaxRetries is how many times a failed write is retried.
	MaxRetries int
	// RetryDelay is the base delay between retries, doubled per attempt.
	RetryDelay time.Duration
}

// DefaultClientOptions returns the options used when none are given.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RequestTimeout: 30 * time.Second,
		InitTimeout:    10 * time.Second,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
	}
}

// StdioClient talks JSON-RPC 2.0 to one MCP server subprocess over stdin and
// stdout, one message per line. Responses are routed back to callers through
// a pending-request map keyed by request ID, so concurrent calls are safe.
type StdioClient struct {
	config ServerConfig
	opts   ClientOptions

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
	pending sync.Map // int64 -> chan *Message
	nextID  atomic.Int64

	initialized atomic.Bool
	closed      atomic.Bool
	done        chan struct{}
}

// NewStdioClient launches the configured server process and starts the read
// loop. The returned client still needs Initialize before tool calls.
func NewStdioClient(config ServerConfig, opts ClientOptions) (*StdioClient, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("mcp: server %q has no command", config.Name)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultClientOptions().RequestTimeout
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultClientOptions().InitTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultClientOptions().RetryDelay
	}

	cmd := exec.Command(config.Command, config.Args...)
	cmd.Env = os.Environ()
	for key, value := range config.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe for %q: %w", config.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe for %q: %w", config.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stderr pipe for %q: %w", config.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %q: %w", config.Name, err)
	}

	c := &StdioClient{
		config: config,
		opts:   opts,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	go c.readLoop()
	go c.logStderr()

	logger.Debug("MCP server started",
		"server", config.Name,
		"command", config.Command,
		"pid", cmd.Process.Pid,
	)
	return c, nil
}

// Initialize performs the protocol handshake and sends the initialized
// notification. It must complete before ListTools or CallTool.
func (c *StdioClient) Initialize(ctx context.Context) (*InitializeResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.InitTimeout)
	defer cancel()

	req := InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		ClientInfo: Implementation{
			Name:    "agentnode",
			Version: "1.0.0",
		},
	}
	raw, err := c.sendRequest(ctx, "initialize", req)
	if err != nil {
		return nil, fmt.Errorf("mcp: initialize %q: %w", c.config.Name, err)
	}

	var resp InitializeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("mcp: initialize %q: bad response: %w", c.config.Name, err)
	}

	if err := c.sendNotification("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("mcp: initialized notification for %q: %w", c.config.Name, err)
	}

	c.initialized.Store(true)
	logger.Info("MCP server initialized",
		"server", c.config.Name,
		"server_name", resp.ServerInfo.Name,
		"server_version", resp.ServerInfo.Version,
		"protocol", resp.ProtocolVersion,
	)
	return &resp, nil
}

// ListTools fetches the server's tool catalog.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	raw, err := c.sendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: tools/list on %q: %w", c.config.Name, err)
	}

	var resp ToolsListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("mcp: tools/list on %q: bad response: %w", c.config.Name, err)
	}
	return resp.Tools, nil
}

// CallTool invokes one tool by its server-native name.
func (c *StdioClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResponse, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	raw, err := c.sendRequest(ctx, "tools/call", ToolCallRequest{Name: name, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("mcp: tools/call %q on %q: %w", name, c.config.Name, err)
	}

	var resp ToolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("mcp: tools/call %q on %q: bad response: %w", name, c.config.Name, err)
	}
	return &resp, nil
}

// Close terminates the server process and fails in-flight requests.
func (c *StdioClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Closing stdin is the polite shutdown signal for stdio servers.
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}

	logger.Debug("MCP server stopped", "server", c.config.Name)
	return nil
}

// IsAlive reports whether the server process is still running.
func (c *StdioClient) IsAlive() bool {
	if c.closed.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}
	return c.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Name returns the configured server name.
func (c *StdioClient) Name() string {
	return c.config.Name
}

func (c *StdioClient) ready() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.initialized.Load() {
		return ErrClientNotInitialized
	}
	return nil
}

// sendRequest writes one request and blocks for its response. Writes are
// retried with exponential backoff; once a write succeeds the request is in
// the server's hands and is not replayed.
func (c *StdioClient) sendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	msg := Message{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}

	respCh := make(chan *Message, 1)
	c.pending.Store(id, respCh)
	defer c.pending.Delete(id)

	if err := c.writeWithRetry(ctx, &msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, pkgerrors.New("mcp", method, errors.New(resp.Error.Message)).
				WithStatusCode(resp.Error.Code).
				WithDetails(map[string]any{"server": c.config.Name})
		}
		return resp.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrServerUnresponsive
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrProcessDied
	}
}

func (c *StdioClient) sendNotification(method string, params any) error {
	msg := Message{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	return c.writeMessage(&msg)
}

func (c *StdioClient) writeWithRetry(ctx context.Context, msg *Message) error {
	delay := c.opts.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return ErrProcessDied
			}
			delay *= 2
		}
		if lastErr = c.writeMessage(msg); lastErr == nil {
			return nil
		}
		logger.Warn("MCP write failed",
			"server", c.config.Name,
			"method", msg.Method,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}
	return lastErr
}

// writeMessage frames one message as a single JSON line.
func (c *StdioClient) writeMessage(msg *Message) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write to %q: %w", c.config.Name, err)
	}
	return nil
}

// readLoop consumes stdout line by line and routes responses to waiters.
// It exits when the process closes its stdout, which also signals death to
// every pending request via the done channel.
func (c *StdioClient) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warn("MCP message unparseable", "server", c.config.Name, "error", err)
			continue
		}
		c.handleMessage(&msg)
	}

	if err := scanner.Err(); err != nil && !c.closed.Load() {
		logger.Warn("MCP read loop ended", "server", c.config.Name, "error", err)
	}
}

func (c *StdioClient) handleMessage(msg *Message) {
	if msg.ID == nil {
		// Server-initiated notification. Logged, not acted on.
		logger.Debug("MCP notification", "server", c.config.Name, "method", msg.Method)
		return
	}

	// JSON numbers decode as float64 when the field is untyped.
	var id int64
	switch v := msg.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	default:
		logger.Warn("MCP response with unusable id", "server", c.config.Name, "id", msg.ID)
		return
	}

	if ch, ok := c.pending.Load(id); ok {
		ch.(chan *Message) <- msg
		return
	}
	logger.Debug("MCP response for unknown request", "server", c.config.Name, "id", id)
}

// logStderr surfaces the server's stderr in our logs for debugging.
func (c *StdioClient) logStderr() {
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		logger.Debug("MCP server stderr", "server", c.config.Name, "line", line)
	}
}
