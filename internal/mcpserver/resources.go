package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/smaregi-labs/smaregi-mcp/internal/schema"
)

// toolURIPrefix is the URI space for per-tool detail resources.
const toolURIPrefix = "smaregi://api/tool/"

// resourceMIMEType is what every catalog resource serves.
const resourceMIMEType = "application/json"

// registerResources exposes the tool catalog as browsable MCP
// resources: one listing per API namespace plus a template for
// per-tool detail. Handlers read the live catalog, so a schema reload
// is reflected without re-registration.
func registerResources(server *mcp.Server, deps Deps) {
	for _, ns := range schema.Namespaces {
		server.AddResource(&mcp.Resource{
			URI:         "smaregi://api/" + string(ns),
			Name:        string(ns) + "-api-catalog",
			Description: fmt.Sprintf("Tools generated for the Smaregi %s API", ns),
			MIMEType:    resourceMIMEType,
		}, namespaceResourceHandler(ns, deps))
	}

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: toolURIPrefix + "{name}",
		Name:        "api-tool",
		Description: "Detail for one generated tool, including its parameters",
		MIMEType:    resourceMIMEType,
	}, toolResourceHandler(deps))
}

// toolSummary is one row in a namespace listing.
type toolSummary struct {
	Name        string `json:"name"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
	Resource    string `json:"resource"`
}

func namespaceResourceHandler(ns schema.Namespace, deps Deps) mcp.ResourceHandler {
	return func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		rows := []toolSummary{}

		for _, t := range deps.Catalog.Tools() {
			if t.Namespace != ns {
				continue
			}

			rows = append(rows, toolSummary{
				Name:        t.Name,
				Method:      t.Method,
				Path:        t.Path,
				Description: t.Description,
				Resource:    toolURIPrefix + t.Name,
			})
		}

		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshaling %s catalog listing: %w", ns, err)
		}

		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      req.Params.URI,
				MIMEType: resourceMIMEType,
				Text:     string(data),
			}},
		}, nil
	}
}

func toolResourceHandler(deps Deps) mcp.ResourceHandler {
	return func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		name := strings.TrimPrefix(req.Params.URI, toolURIPrefix)

		t, ok := deps.Catalog.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown tool resource: %s", req.Params.URI)
		}

		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshaling tool %s: %w", name, err)
		}

		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      req.Params.URI,
				MIMEType: resourceMIMEType,
				Text:     string(data),
			}},
		}, nil
	}
}
