package schema

import "github.com/getkin/kin-openapi/openapi3"

// Fixture returns the built-in operations for a namespace. Used when no
// schema document is available so the server still exposes a minimal,
// working catalog. Construction cannot fail.
func Fixture(ns Namespace) []Operation {
	switch ns {
	case NamespacePOS:
		return []Operation{
			{
				Namespace:   NamespacePOS,
				Method:      "GET",
				Path:        "/pos/products",
				Summary:     "List products",
				Description: "List products registered in the POS system.",
				Parameters: openapi3.Parameters{
					&openapi3.ParameterRef{Value: &openapi3.Parameter{
						Name:        "limit",
						In:          openapi3.ParameterInQuery,
						Description: "Maximum number of products to return",
						Schema:      &openapi3.SchemaRef{Value: openapi3.NewIntegerSchema()},
					}},
				},
			},
		}
	default:
		return nil
	}
}
