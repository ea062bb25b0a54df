package tools

import (
	"strings"

	"github.com/smaregi-labs/smaregi-mcp/internal/schema"
)

// Name synthesizes the tool name for an operation. An explicit
// operationId is used verbatim; otherwise the name is built as
// {namespace}_{verb}{Resource}[ById], for example pos_listProducts,
// pos_getProductById, pos_createProduct. MCP tool names cannot contain
// dots, so the namespace is joined with an underscore.
func Name(op schema.Operation) string {
	if op.OperationID != "" {
		return op.OperationID
	}

	hasID := hasPathParam(op.Path)
	verb := verbFor(op.Method, hasID)

	// List tools keep the plural resource (pos_listProducts); every
	// other verb addresses a single entity (pos_getProductById,
	// pos_createProduct).
	resource := resourceFromPath(op.Namespace, op.Path)
	if verb != "list" {
		resource = singularize(resource)
	}

	name := string(op.Namespace) + "_" + verb + capitalize(resource)
	if hasID && verb != "create" && verb != "list" {
		name += "ById"
	}

	return name
}

// resourceFromPath returns the first concrete path segment after the
// namespace segment. Parameter segments like {productId} are skipped.
func resourceFromPath(ns schema.Namespace, path string) string {
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" || seg == string(ns) {
			continue
		}

		if strings.HasPrefix(seg, "{") {
			continue
		}

		return seg
	}

	return "resource"
}

// verbFor maps an HTTP method to the tool verb.
func verbFor(method string, hasID bool) string {
	switch method {
	case "GET":
		if hasID {
			return "get"
		}

		return "list"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// singularize reduces a plural resource segment to its singular form.
// "categories" becomes "category", "products" becomes "product".
// Segments ending in "ss" ("address") are left alone.
func singularize(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "ss"):
		return s
	case strings.HasSuffix(s, "s"):
		return s[:len(s)-1]
	default:
		return s
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	return strings.ToUpper(s[:1]) + s[1:]
}

// hasPathParam reports whether the path template contains a parameter.
func hasPathParam(path string) bool {
	return strings.Contains(path, "{")
}
