// Package server provides HTTP server construction for smaregi-mcp.
package server

import (
	"log/slog"
	"net/http"

	"github.com/smaregi-labs/smaregi-mcp/internal/auth"
	"github.com/smaregi-labs/smaregi-mcp/internal/state"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Flow       *auth.Flow
	State      *state.State
	Registry   *auth.Registry
	MCPHandler http.Handler
	Logger     *slog.Logger
	ServerURL  string
}

// NewMux builds the HTTP mux with OAuth discovery, registration,
// authorization, token, callback, revocation, and MCP endpoints. The
// MCP endpoint is protected by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(cfg.ServerURL))
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.ServerURL))
	mux.HandleFunc("/oauth/register", auth.HandleRegistration(cfg.Registry))
	mux.HandleFunc("/oauth/authorize", auth.HandleAuthorize(cfg.Flow, cfg.State, cfg.Registry, cfg.Logger))
	mux.HandleFunc("/oauth/callback", auth.HandleCallback(cfg.Flow, cfg.State, cfg.Logger))
	mux.HandleFunc("/oauth/token", auth.HandleToken(cfg.Flow, cfg.State, cfg.Logger))
	mux.HandleFunc("/oauth/revoke", auth.HandleRevoke(cfg.State, cfg.Logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	authMiddleware := auth.Middleware(cfg.State, cfg.Logger, cfg.ServerURL)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}
