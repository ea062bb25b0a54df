// Package mcpserver registers the generated Smaregi tool catalog and
// the auth helper tools on an MCP server.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cast"

	"github.com/smaregi-labs/smaregi-mcp/internal/auth"
	"github.com/smaregi-labs/smaregi-mcp/internal/dispatch"
	apperrors "github.com/smaregi-labs/smaregi-mcp/internal/errors"
	"github.com/smaregi-labs/smaregi-mcp/internal/models"
	"github.com/smaregi-labs/smaregi-mcp/internal/state"
	"github.com/smaregi-labs/smaregi-mcp/internal/tools"
)

// fetchAllParam is the extra argument injected into list tools that
// turns on transparent pagination.
const fetchAllParam = "fetch_all"

// Deps holds everything tool handlers need.
type Deps struct {
	Catalog    *tools.Catalog
	Dispatcher *dispatch.Dispatcher
	Flow       *auth.Flow
	State      *state.State
	Logger     *slog.Logger
}

// Register adds the auth helper tools, the catalog resources, and the
// current catalog to the server, returning the registered catalog tool
// names.
func Register(server *mcp.Server, deps Deps) []string {
	registerAuthTools(server, deps)
	registerResources(server, deps)
	return RegisterCatalog(server, deps)
}

// RegisterCatalog registers every catalog tool. Called again after a
// schema reload; same-name tools are replaced in place.
func RegisterCatalog(server *mcp.Server, deps Deps) []string {
	ts := deps.Catalog.Tools()
	names := make([]string, 0, len(ts))

	for _, t := range ts {
		server.AddTool(catalogTool(t), catalogHandler(t, deps))
		names = append(names, t.Name)
	}

	return names
}

// catalogTool builds the MCP tool descriptor for a generated tool.
func catalogTool(t tools.Tool) *mcp.Tool {
	schema := t.InputSchema()

	if isListTool(t) {
		if schema.Properties == nil {
			schema.Properties = map[string]*jsonschema.Schema{}
		}

		schema.Properties[fetchAllParam] = &jsonschema.Schema{
			Type:        "boolean",
			Description: "Fetch every page of results instead of the first page",
		}
	}

	return &mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// catalogHandler dispatches a catalog tool call.
func catalogHandler(t tools.Tool, deps Deps) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}

		if args == nil {
			args = map[string]any{}
		}

		rec, err := resolveToken(ctx, deps)
		if err != nil {
			return errorResult(err.Error()), nil
		}

		fetchAll := false
		if v, ok := args[fetchAllParam]; ok {
			fetchAll = cast.ToBool(v)
			delete(args, fetchAllParam)
		}

		var body []byte
		if fetchAll && isListTool(t) {
			body, err = deps.Dispatcher.FetchAllPages(ctx, t, args, rec)
		} else {
			body, err = deps.Dispatcher.Execute(ctx, t, args, rec)
		}

		if err != nil {
			return errorResult(err.Error()), nil
		}

		text := string(body)
		if text == "" {
			text = `{"status":"ok"}`
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil
	}
}

// isListTool reports whether a tool is a collection read, the only
// shape transparent pagination applies to.
func isListTool(t tools.Tool) bool {
	return t.Method == "GET" && !strings.Contains(t.Path, "{")
}

// resolveToken picks the token record for a call: the bearer record
// injected by the HTTP middleware when present, otherwise the most
// recent tool-driven session's token. Near-expiry tokens are refreshed
// before use.
func resolveToken(ctx context.Context, deps Deps) (*models.AccessTokenRecord, error) {
	rec := auth.RequestToken(ctx)
	if rec == nil {
		stored, err := deps.State.LatestToken()
		if err != nil {
			return nil, fmt.Errorf("loading stored token: %w", err)
		}

		rec = stored
	}

	if rec == nil {
		pending, err := deps.State.PendingSession()
		if err != nil {
			return nil, fmt.Errorf("loading pending session: %w", err)
		}

		if pending != nil {
			return nil, fmt.Errorf("%w: session %s is waiting for the browser authorization to finish; keep polling auth_status",
				apperrors.ErrAuthenticationInProgress, pending.ID)
		}

		return nil, fmt.Errorf("not authenticated: run the auth_begin tool and complete the authorization flow first")
	}

	now := time.Now()

	if rec.NearExpiry(now) && rec.RefreshToken != "" {
		fresh, err := deps.Flow.Refresh(ctx, rec)
		if err != nil {
			deps.Logger.Warn("token refresh failed",
				slog.String("session_id", rec.SessionID),
				slog.String("error", err.Error()),
			)
		} else {
			if err := deps.State.PutToken(*fresh); err != nil {
				deps.Logger.Error("saving refreshed token", slog.String("error", err.Error()))
			}

			rec = fresh
		}
	}

	if rec.Expired(now) {
		return nil, fmt.Errorf("authentication expired: please re-authenticate")
	}

	return rec, nil
}

// --- Auth helper tools ---

// AuthBeginInput holds parameters for auth_begin.
type AuthBeginInput struct {
	Scopes []string `json:"scopes,omitempty" jsonschema:"authorization scopes to request, defaults to the configured scope set"`
}

// AuthBeginResult is the auth_begin response.
type AuthBeginResult struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

// AuthStatusInput holds parameters for auth_status.
type AuthStatusInput struct {
	SessionID string `json:"session_id" jsonschema:"required,session id returned by auth_begin"`
}

// AuthStatusResult is the auth_status response.
type AuthStatusResult struct {
	SessionID     string `json:"session_id"`
	Authenticated bool   `json:"is_authenticated"`
	ContractID    string `json:"contract_id,omitempty"`
}

func registerAuthTools(server *mcp.Server, deps Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_begin",
		Description: "Start Smaregi authorization. Returns a URL to open in a browser and a session id to poll with auth_status.",
	}, authBeginHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_status",
		Description: "Check whether an authorization session started with auth_begin has completed.",
	}, authStatusHandler(deps))
}

func authBeginHandler(deps Deps) mcp.ToolHandlerFor[AuthBeginInput, *AuthBeginResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input AuthBeginInput) (*mcp.CallToolResult, *AuthBeginResult, error) {
		sess := deps.Flow.NewSession(input.Scopes, time.Now())
		if err := deps.State.PutSession(sess); err != nil {
			return nil, nil, fmt.Errorf("saving session: %w", err)
		}

		result := &AuthBeginResult{
			URL:       deps.Flow.AuthorizationURL(sess),
			SessionID: sess.ID,
		}

		return textResult(result), result, nil
	}
}

func authStatusHandler(deps Deps) mcp.ToolHandlerFor[AuthStatusInput, *AuthStatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input AuthStatusInput) (*mcp.CallToolResult, *AuthStatusResult, error) {
		result := &AuthStatusResult{SessionID: input.SessionID}

		sess, err := deps.State.Session(input.SessionID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading session: %w", err)
		}

		if sess != nil && sess.Authenticated {
			result.Authenticated = true

			if rec, err := deps.State.Token(sess.ID); err == nil && rec != nil {
				result.ContractID = rec.ContractID
			}
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("error marshaling result: %v", err))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
