package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/tools"
)

var (
	// ErrPoolClosed is returned for any operation on a closed pool.
	ErrPoolClosed = errors.New("mcp: pool closed")

	// ErrServerNotFound is returned when an operation names an unregistered
	// server.
	ErrServerNotFound = errors.New("mcp: server not registered")
)

// ClientFactory builds a client for one server. Tests swap this out to avoid
// spawning real subprocesses.
type ClientFactory func(config ServerConfig, opts ClientOptions) (Client, error)

// toolRef maps a qualified catalog name back to the server-native tool name.
// Canonicalization can rewrite names (camelCase, hyphens), so invocation has
// to go through this index rather than re-deriving the original.
type toolRef struct {
	server   string
	original string
}

// Pool manages one lazily created client per registered MCP server and
// exposes their tools through the tools.Invoker interface. Dead clients are
// detected on checkout and replaced with a fresh process.
type Pool struct {
	opts    ClientOptions
	factory ClientFactory

	mu      sync.RWMutex
	servers map[string]ServerConfig
	clients map[string]Client
	index   map[string]toolRef
	closed  bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithClientOptions sets the options handed to every client the pool creates.
func WithClientOptions(opts ClientOptions) PoolOption {
	return func(p *Pool) { p.opts = opts }
}

// WithClientFactory replaces the stdio client constructor.
func WithClientFactory(factory ClientFactory) PoolOption {
	return func(p *Pool) { p.factory = factory }
}

// NewPool creates an empty pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		opts: DefaultClientOptions(),
		factory: func(config ServerConfig, opts ClientOptions) (Client, error) {
			return NewStdioClient(config, opts)
		},
		servers: make(map[string]ServerConfig),
		clients: make(map[string]Client),
		index:   make(map[string]toolRef),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterServer adds a server configuration. The client is not started until
// the first call that needs it.
func (p *Pool) RegisterServer(config ServerConfig) error {
	if config.Name == "" {
		return fmt.Errorf("mcp: server config has no name")
	}
	if config.Command == "" {
		return fmt.Errorf("mcp: server %q has no command", config.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, exists := p.servers[config.Name]; exists {
		return fmt.Errorf("mcp: server %q already registered", config.Name)
	}
	p.servers[config.Name] = config
	return nil
}

// Servers returns the registered server names, sorted.
func (p *Pool) Servers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// client returns the live client for a server, creating or recreating it as
// needed. Creation is double-checked so concurrent callers share one process.
func (p *Pool) client(ctx context.Context, server string) (Client, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	if c, ok := p.clients[server]; ok && c.IsAlive() {
		p.mu.RUnlock()
		return c, nil
	}
	config, registered := p.servers[server]
	p.mu.RUnlock()

	if !registered {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if c, ok := p.clients[server]; ok {
		if c.IsAlive() {
			return c, nil
		}
		logger.Warn("MCP client dead, restarting", "server", server)
		c.Close()
		delete(p.clients, server)
	}

	c, err := p.factory(config, p.opts)
	if err != nil {
		return nil, fmt.Errorf("mcp: create client for %q: %w", server, err)
	}
	if _, err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	p.clients[server] = c
	return c, nil
}

// Descriptors discovers every registered server's tools and returns them as
// catalog descriptors with qualified names. Discovery also (re)builds the
// name index used by Invoke, so it must run before tools are called.
func (p *Pool) Descriptors(ctx context.Context) ([]*tools.Descriptor, error) {
	servers := p.Servers()

	var descs []*tools.Descriptor
	index := make(map[string]toolRef)
	for _, server := range servers {
		c, err := p.client(ctx, server)
		if err != nil {
			return nil, err
		}
		listed, err := c.ListTools(ctx)
		if err != nil {
			return nil, err
		}

		ns := tools.CanonicalID(server)
		for _, t := range listed {
			qualified := tools.QualifyName(ns, tools.CanonicalID(t.Name))
			description := t.Description
			if description == "" {
				// The registry refuses descriptorless tools; servers are not
				// all so disciplined.
				description = fmt.Sprintf("Remote tool %s on server %s", t.Name, server)
			}
			descs = append(descs, &tools.Descriptor{
				Name:        qualified,
				Description: description,
				InputSchema: t.InputSchema,
			})
			index[qualified] = toolRef{server: server, original: t.Name}
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.index = index
	p.mu.Unlock()

	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, nil
}

// Namespaces returns the canonical server namespaces the pool serves. The
// registry binds this pool as the invoker for each of them.
func (p *Pool) Namespaces() []string {
	servers := p.Servers()
	out := make([]string, len(servers))
	for i, server := range servers {
		out[i] = tools.CanonicalID(server)
	}
	return out
}

// Invoke implements tools.Invoker. The name is the qualified catalog name;
// the index resolves it back to the owning server and its native tool name.
func (p *Pool) Invoke(ctx context.Context, name string, args json.RawMessage) (tools.Result, error) {
	p.mu.RLock()
	ref, ok := p.index[name]
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return tools.Result{}, ErrPoolClosed
	}
	if !ok {
		return tools.Result{}, fmt.Errorf("%w: %s", tools.ErrToolNotFound, name)
	}

	c, err := p.client(ctx, ref.server)
	if err != nil {
		return tools.Result{}, err
	}

	resp, err := c.CallTool(ctx, ref.original, args)
	if err != nil {
		return tools.Result{}, err
	}

	result := tools.Result{Name: name}
	if resp.IsError {
		result.Error = resp.Text()
		if result.Error == "" {
			result.Error = "tool reported an error"
		}
		return result, nil
	}
	result.Content = flattenContent(resp)
	return result, nil
}

// Close shuts down every live client. The pool is unusable afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for server, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", server, err))
		}
	}
	p.clients = make(map[string]Client)
	p.index = make(map[string]toolRef)
	return errors.Join(errs...)
}

// flattenContent converts an MCP tool response into result content. A single
// text block that already holds valid JSON passes through untouched so typed
// results keep their shape; everything else becomes a JSON string.
func flattenContent(resp *ToolCallResponse) json.RawMessage {
	text := resp.Text()
	if text == "" {
		return json.RawMessage(`""`)
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	quoted, err := json.Marshal(text)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return quoted
}
