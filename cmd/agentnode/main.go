// Command agentnode runs a conversational agent node speaking the A2A
// protocol: JSON-RPC over POST plus SSE streaming, an agent card under
// /.well-known, replayable per-task event streams, and a cooperative
// workflow runtime for multi-step flows.
//
// Configuration is environment-driven; a .env file in the working directory
// is honored when present. With no configuration at all the node answers on
// port 3000 with the built-in mock provider, which needs no credentials.
//
// Usage:
//
//	export AGENT_PROVIDER=mock
//	go run ./cmd/agentnode
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/config"
	"github.com/uratmangun/arbitrum-vibekit-sub002/contexts"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/mcp"
	"github.com/uratmangun/arbitrum-vibekit-sub002/metrics"
	"github.com/uratmangun/arbitrum-vibekit-sub002/provider"
	"github.com/uratmangun/arbitrum-vibekit-sub002/server"
	"github.com/uratmangun/arbitrum-vibekit-sub002/task"
	"github.com/uratmangun/arbitrum-vibekit-sub002/tools"
	"github.com/uratmangun/arbitrum-vibekit-sub002/workflow"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentnode: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	listener := metrics.NewTaskListener()
	b.Observe(listener.Handle)

	store := task.NewStore(b)
	ctxs := contexts.NewManager(store, contexts.WithIdleTTL(cfg.ContextIdleTTL))
	rt := workflow.NewRuntime(b, store, workflow.WithCancelGrace(cfg.CancelGrace))

	registry := tools.NewRegistry()
	if err := loadStaticTools(registry, cfg.ToolsDir); err != nil {
		return err
	}

	pool, err := connectMCP(ctx, registry, cfg.MCPConfig)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	p, err := provider.New(provider.Spec{
		ID:      cfg.Provider,
		Kind:    cfg.Provider,
		Model:   cfg.Model,
		BaseURL: cfg.ProviderBaseURL,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	service := agent.NewService(p, registry, rt, b, ctxs,
		agent.WithSystemPrompt(cfg.SystemPrompt),
		agent.WithMaxSteps(cfg.MaxSteps),
	)
	executor := agent.NewExecutor(store, ctxs, rt, service,
		agent.WithRequestTimeout(cfg.RequestTimeout),
	)

	// Boot configuration is revision 1; later revisions arrive through the
	// same coordinator.
	coordinator := config.NewCoordinator(service, rt)
	if _, err := coordinator.Apply(config.Snapshot{SystemPrompt: cfg.SystemPrompt}); err != nil {
		return err
	}

	srv := server.NewServer(executor, store, ctxs, rt, b,
		server.WithCard(a2a.AgentCard{
			Name:        cfg.AgentName,
			Description: cfg.AgentDescription,
			Version:     cfg.AgentVersion,
		}),
		server.WithA2APath(cfg.A2APath),
		server.WithTaskTTL(cfg.TaskTTL),
		server.WithSweepInterval(cfg.SweepInterval),
		server.WithMetricsHandler(metrics.NewExporter("").Handler()),
	)

	logger.Info("🤖 Agent node starting",
		"name", cfg.AgentName,
		"version", cfg.AgentVersion,
		"provider", p.ID(),
		"tools", len(registry.List()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(cfg.Addr())
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// loadStaticTools fills the registry from a manifest directory and backs the
// loaded tools with their canned mock responses.
func loadStaticTools(registry *tools.Registry, dir string) error {
	if dir == "" {
		return nil
	}
	descs, err := tools.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, desc := range descs {
		if err := registry.Register(desc); err != nil {
			return err
		}
	}
	static := tools.FromDescriptors(descs)
	for _, ns := range namespaces(descs) {
		registry.BindInvoker(ns, static)
	}
	logger.Info("static tools loaded", "dir", dir, "count", len(descs))
	return nil
}

// connectMCP starts the MCP client pool from a server catalog file, registers
// the discovered tools, and routes their namespaces to the pool. An empty
// path means no MCP servers.
func connectMCP(ctx context.Context, registry *tools.Registry, path string) (*mcp.Pool, error) {
	if path == "" {
		return nil, nil
	}
	servers, err := mcp.LoadServers(path)
	if err != nil {
		return nil, err
	}

	pool := mcp.NewPool()
	for _, sc := range servers {
		if err := pool.RegisterServer(sc); err != nil {
			pool.Close()
			return nil, err
		}
	}

	descs, err := pool.Descriptors(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	for _, desc := range descs {
		if err := registry.Register(desc); err != nil {
			pool.Close()
			return nil, err
		}
	}
	for _, ns := range pool.Namespaces() {
		registry.BindInvoker(ns, pool)
	}
	logger.Info("MCP servers connected", "servers", len(servers), "tools", len(descs))
	return pool, nil
}

func namespaces(descs []*tools.Descriptor) []string {
	seen := make(map[string]bool)
	var out []string
	for _, desc := range descs {
		if ns := desc.Server(); !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	return out
}
