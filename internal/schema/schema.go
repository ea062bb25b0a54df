// Package schema loads per-namespace OpenAPI documents describing the
// Smaregi API and normalizes them into a flat operation list for tool
// generation. Loading never fails outward: any unreadable or invalid
// document is replaced by a built-in fixture so the server always
// starts with a usable catalog.
package schema

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"golang.org/x/sync/errgroup"
)

// Namespace identifies one Smaregi API category. Each namespace has its
// own OpenAPI document in the schema directory.
type Namespace string

const (
	NamespacePOS    Namespace = "pos"
	NamespaceCommon Namespace = "common"
)

// Namespaces lists all namespaces in catalog order.
var Namespaces = []Namespace{NamespacePOS, NamespaceCommon}

// Operation is one HTTP operation extracted from a namespace document.
// Path always carries the namespace prefix ("/pos/products") so the
// dispatcher can append it to the contract base URL directly.
type Operation struct {
	Namespace   Namespace
	Method      string
	Path        string
	OperationID string
	Summary     string
	Description string
	Parameters  openapi3.Parameters
	RequestBody *openapi3.RequestBodyRef
}

// Load reads and normalizes every namespace document under dir.
// Namespaces load concurrently; a namespace whose document is missing,
// unreadable, or invalid falls back to its fixture with a warning.
func Load(ctx context.Context, dir string, logger *slog.Logger) []Operation {
	results := make([][]Operation, len(Namespaces))

	g, ctx := errgroup.WithContext(ctx)
	for i, ns := range Namespaces {
		g.Go(func() error {
			results[i] = loadNamespace(ctx, dir, ns, logger)
			return nil
		})
	}

	// Goroutines only record results, they never return errors.
	_ = g.Wait()

	var ops []Operation
	for _, r := range results {
		ops = append(ops, r...)
	}

	return ops
}

// loadNamespace loads one namespace document, or its fixture.
func loadNamespace(ctx context.Context, dir string, ns Namespace, logger *slog.Logger) []Operation {
	path := findDocument(dir, ns)
	if path == "" {
		logger.Debug("no schema document, using fixture", slog.String("namespace", string(ns)))
		return Fixture(ns)
	}

	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		logger.Warn("parsing schema document failed, using fixture",
			slog.String("namespace", string(ns)),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return Fixture(ns)
	}

	if err := doc.Validate(ctx); err != nil {
		logger.Warn("schema document invalid, using fixture",
			slog.String("namespace", string(ns)),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return Fixture(ns)
	}

	ops := Normalize(ns, doc)

	logger.Info("loaded schema document",
		slog.String("namespace", string(ns)),
		slog.String("path", path),
		slog.Int("operations", len(ops)),
	)

	return ops
}

// findDocument returns the first existing document path for a
// namespace, preferring JSON over YAML.
func findDocument(dir string, ns Namespace) string {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(dir, string(ns)+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}

	return ""
}

// Normalize flattens a parsed document into operations. Path-level
// parameters are merged into each operation, with operation-level
// parameters winning on a (name, location) conflict. Paths and methods
// are walked in sorted order so the output is deterministic.
func Normalize(ns Namespace, doc *openapi3.T) []Operation {
	var ops []Operation

	if doc.Paths == nil {
		return ops
	}

	pathMap := doc.Paths.Map()

	paths := make([]string, 0, len(pathMap))
	for p := range pathMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		item := pathMap[p]
		if item == nil {
			continue
		}

		opMap := item.Operations()

		methods := make([]string, 0, len(opMap))
		for m := range opMap {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, m := range methods {
			op := opMap[m]
			if op == nil {
				continue
			}

			ops = append(ops, Operation{
				Namespace:   ns,
				Method:      strings.ToUpper(m),
				Path:        namespacedPath(ns, p),
				OperationID: op.OperationID,
				Summary:     op.Summary,
				Description: op.Description,
				Parameters:  mergeParameters(item.Parameters, op.Parameters),
				RequestBody: op.RequestBody,
			})
		}
	}

	return ops
}

// namespacedPath ensures the path carries the namespace prefix.
// Documents may declare paths relative to their namespace ("/products")
// or fully qualified ("/pos/products"); both normalize the same way.
func namespacedPath(ns Namespace, p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	prefix := "/" + string(ns)
	if p == prefix || strings.HasPrefix(p, prefix+"/") {
		return p
	}

	return prefix + p
}

// mergeParameters combines path-item and operation parameters. The
// operation's declaration wins when both declare the same name and
// location.
func mergeParameters(pathLevel, opLevel openapi3.Parameters) openapi3.Parameters {
	merged := openapi3.Parameters{}
	merged = append(merged, opLevel...)

	for _, pp := range pathLevel {
		if pp == nil || pp.Value == nil {
			continue
		}

		shadowed := false
		for _, op := range opLevel {
			if op != nil && op.Value != nil && op.Value.Name == pp.Value.Name && op.Value.In == pp.Value.In {
				shadowed = true
				break
			}
		}

		if !shadowed {
			merged = append(merged, pp)
		}
	}

	return merged
}
