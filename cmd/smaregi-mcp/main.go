package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/smaregi-labs/smaregi-mcp/internal/auth"
	"github.com/smaregi-labs/smaregi-mcp/internal/config"
	"github.com/smaregi-labs/smaregi-mcp/internal/dispatch"
	"github.com/smaregi-labs/smaregi-mcp/internal/logging"
	"github.com/smaregi-labs/smaregi-mcp/internal/mcpserver"
	"github.com/smaregi-labs/smaregi-mcp/internal/schema"
	"github.com/smaregi-labs/smaregi-mcp/internal/server"
	"github.com/smaregi-labs/smaregi-mcp/internal/state"
	"github.com/smaregi-labs/smaregi-mcp/internal/tools"
)

var Version = "dev"

const (
	// sessionMaxAge is how long auth sessions are kept before pruning.
	sessionMaxAge = 24 * time.Hour

	// pruneInterval is how often expired sessions are swept.
	pruneInterval = time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	st, err := state.LoadAt(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tool catalog: a non-empty snapshot from a previous run is used
	// as-is, skipping schema parsing and generation. Otherwise the
	// schema directory is loaded and the catalog regenerated; a name
	// collision means the schema set is broken, so refuse to start
	// rather than shadow a tool silently.
	var generated []tools.Tool

	if cfg.ToolsSnapshotPath != "" {
		cached, err := tools.LoadSnapshot(cfg.ToolsSnapshotPath)
		if err != nil {
			logger.Warn("loading catalog snapshot failed, regenerating",
				slog.String("path", cfg.ToolsSnapshotPath),
				slog.String("error", err.Error()),
			)
		} else if len(cached) > 0 {
			generated = cached
			logger.Info("tool catalog loaded from snapshot",
				slog.String("path", cfg.ToolsSnapshotPath),
				slog.Int("tools", len(cached)),
			)
		}
	}

	if generated == nil {
		ops := schema.Load(ctx, cfg.SchemaDir, logger)

		generated, err = tools.Generate(ops)
		if err != nil {
			return fmt.Errorf("generating tool catalog: %w", err)
		}
	}

	catalog := tools.NewCatalog(tools.EnsureFallback(generated))
	logger.Info("tool catalog ready", slog.Int("tools", catalog.Len()))

	if cfg.ToolsSnapshotPath != "" {
		if err := catalog.WriteSnapshot(cfg.ToolsSnapshotPath); err != nil {
			logger.Warn("writing catalog snapshot failed", slog.String("error", err.Error()))
		}
	}

	flow := auth.NewFlow(auth.FlowConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		UserinfoURL:  cfg.UserinfoURL,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.ParseScopes(),
		Logger:       logger,
	})

	dispatcher := dispatch.New(cfg.APIBase, nil, logger)

	// MCP server setup.
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "smaregi-mcp", Version: Version},
		nil,
	)

	deps := mcpserver.Deps{
		Catalog:    catalog,
		Dispatcher: dispatcher,
		Flow:       flow,
		State:      st,
		Logger:     logger,
	}
	registered := mcpserver.Register(mcpServer, deps)

	// Schema hot reload: regenerate and swap the catalog when a
	// document changes. A collision at reload time keeps the old
	// catalog instead of killing the server.
	go func() {
		err := schema.Watch(ctx, cfg.SchemaDir, logger, func() {
			fresh, err := tools.Generate(schema.Load(ctx, cfg.SchemaDir, logger))
			if err != nil {
				logger.Error("schema reload produced invalid catalog, keeping current",
					slog.String("error", err.Error()),
				)

				return
			}

			catalog.Replace(tools.EnsureFallback(fresh))

			next := mcpserver.RegisterCatalog(mcpServer, deps)

			if stale := diffNames(registered, next); len(stale) > 0 {
				mcpServer.RemoveTools(stale...)
			}

			registered = next

			logger.Info("tool catalog reloaded", slog.Int("tools", len(next)))

			if cfg.ToolsSnapshotPath != "" {
				if err := catalog.WriteSnapshot(cfg.ToolsSnapshotPath); err != nil {
					logger.Warn("writing catalog snapshot failed", slog.String("error", err.Error()))
				}
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("schema watcher stopped", slog.String("error", err.Error()))
		}
	}()

	// Session pruning loop.
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := st.PruneSessions(sessionMaxAge, time.Now())
				if err != nil {
					logger.Error("pruning sessions", slog.String("error", err.Error()))
					continue
				}

				if n > 0 {
					logger.Info("pruned expired sessions", slog.Int("count", n))
				}
			}
		}
	}()

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	registry := auth.NewRegistry()

	mux := server.NewMux(server.MuxConfig{
		Flow:       flow,
		State:      st,
		Registry:   registry,
		MCPHandler: mcpHandler,
		Logger:     logger,
		ServerURL:  cfg.ServerURL,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server",
		slog.String("listen", cfg.ListenAddr),
		slog.String("server_url", cfg.ServerURL),
		slog.Int("tools", catalog.Len()),
	)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// diffNames returns the names in prev missing from next.
func diffNames(prev, next []string) []string {
	keep := make(map[string]bool, len(next))
	for _, n := range next {
		keep[n] = true
	}

	var stale []string

	for _, n := range prev {
		if !keep[n] {
			stale = append(stale, n)
		}
	}

	return stale
}
