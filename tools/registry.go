package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// defaultTimeoutMs bounds a single tool invocation when the descriptor does
// not say otherwise.
const defaultTimeoutMs = 30000

var (
	// ErrToolNotFound is returned when invoking or fetching an unknown tool.
	ErrToolNotFound = errors.New("tools: tool not found")
	// ErrNoInvoker is returned when a tool's server namespace has no bound
	// invoker.
	ErrNoInvoker = errors.New("tools: no invoker bound for server")
)

// Descriptor describes one tool advertised to the model.
type Descriptor struct {
	Name         string          `json:"name" yaml:"name"`
	Description  string          `json:"description" yaml:"description"`
	InputSchema  json.RawMessage `json:"input_schema" yaml:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	TimeoutMs    int             `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// Mock carries a canned result for the static invoker.
	Mock json.RawMessage `json:"mock,omitempty" yaml:"mock,omitempty"`
}

// Server returns the descriptor's server namespace.
func (d *Descriptor) Server() string {
	ns, _ := ParseName(d.Name)
	return ns
}

// Timeout returns the invocation deadline for this tool.
func (d *Descriptor) Timeout() time.Duration {
	ms := d.TimeoutMs
	if ms <= 0 {
		ms = defaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Result is the outcome of one tool invocation.
type Result struct {
	Name      string          `json:"name"`
	ID        string          `json:"id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Error     string          `json:"error,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
}

// IsError reports whether the invocation failed.
func (r Result) IsError() bool { return r.Error != "" }

// Text renders the result content for feeding back to the model.
func (r Result) Text() string {
	if r.Error != "" {
		return r.Error
	}
	var s string
	if err := json.Unmarshal(r.Content, &s); err == nil {
		return s
	}
	return string(r.Content)
}

// Invoker executes tools for one server namespace. MCP client pools and the
// static test invoker implement this.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (Result, error)
}

// Registry is the process-wide tool catalog. Registration validates the
// canonical name grammar and compiles schemas eagerly so a bad manifest
// surfaces at load time, not mid-conversation.
type Registry struct {
	validator *Validator

	mu       sync.RWMutex
	tools    map[string]*Descriptor
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		validator: NewValidator(),
		tools:     make(map[string]*Descriptor),
		invokers:  make(map[string]Invoker),
	}
}

// Validator exposes the registry's schema validator for reuse.
func (r *Registry) Validator() *Validator { return r.validator }

// Register adds a descriptor. Names failing the canonical grammar and
// schemas that do not compile are rejected.
func (r *Registry) Register(desc *Descriptor) error {
	if err := r.check(desc); err != nil {
		return err
	}
	r.mu.Lock()
	r.tools[desc.Name] = desc
	r.mu.Unlock()
	return nil
}

// Unregister removes a tool by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Reload atomically replaces the catalog with descs. Each descriptor is
// checked before any replacement happens, so a bad snapshot leaves the
// current catalog untouched.
func (r *Registry) Reload(descs []*Descriptor) error {
	next := make(map[string]*Descriptor, len(descs))
	for _, desc := range descs {
		if err := r.check(desc); err != nil {
			return err
		}
		next[desc.Name] = desc
	}
	r.mu.Lock()
	r.tools = next
	r.mu.Unlock()
	return nil
}

// Get retrieves a descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all registered descriptors, sorted by name.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]*Descriptor, 0, len(r.tools))
	for _, desc := range r.tools {
		descs = append(descs, desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// BindInvoker routes a server namespace to an invoker.
func (r *Registry) BindInvoker(server string, inv Invoker) {
	r.mu.Lock()
	r.invokers[server] = inv
	r.mu.Unlock()
}

// Invoke validates args against the tool's input schema and dispatches to
// the server's invoker under the tool's timeout. Lookup and validation
// failures are returned as errors; execution failures come back inside the
// Result so the caller can feed them to the model as a tool error.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	r.mu.RLock()
	desc, ok := r.tools[name]
	var inv Invoker
	if ok {
		inv = r.invokers[desc.Server()]
	}
	r.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if inv == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrNoInvoker, desc.Server())
	}
	if err := r.validator.ValidateArgs(name, desc.InputSchema, args); err != nil {
		return Result{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, desc.Timeout())
	defer cancel()

	start := time.Now()
	result, err := inv.Invoke(callCtx, name, args)
	result.Name = name
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
	}
	return result, nil
}

func (r *Registry) check(desc *Descriptor) error {
	if desc == nil {
		return fmt.Errorf("tools: nil descriptor")
	}
	if err := ValidateName(desc.Name); err != nil {
		return err
	}
	if desc.Description == "" {
		return fmt.Errorf("tool %s: description is required", desc.Name)
	}
	if err := r.validator.CheckSchema(desc.InputSchema); err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", desc.Name, err)
	}
	if err := r.validator.CheckSchema(desc.OutputSchema); err != nil {
		return fmt.Errorf("tool %s: invalid output schema: %w", desc.Name, err)
	}
	return nil
}
