package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/jsonschema-go/jsonschema"
	apperrors "github.com/smaregi-labs/smaregi-mcp/internal/errors"
	"github.com/smaregi-labs/smaregi-mcp/internal/schema"
)

// Parameter locations. Every tool argument resolves to exactly one.
const (
	LocationPath  = "path"
	LocationQuery = "query"
	LocationBody  = "body"
)

// queryPrefix forces query classification for a parameter of a
// body-carrying method. The prefix is stripped from the wire name.
const queryPrefix = "query_"

// Parameter is one argument of a generated tool.
type Parameter struct {
	Name        string     `json:"name" yaml:"name"`
	Location    string     `json:"location" yaml:"location"`
	Required    bool       `json:"required" yaml:"required"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Validator   *Validator `json:"validator" yaml:"validator"`
}

// Tool is one LLM-callable operation in the catalog.
type Tool struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description" yaml:"description"`
	Namespace   schema.Namespace `json:"namespace" yaml:"namespace"`
	Method      string           `json:"method" yaml:"method"`
	Path        string           `json:"path" yaml:"path"`
	Parameters  []Parameter      `json:"parameters" yaml:"parameters"`
}

// Generate builds the tool catalog from normalized operations. A name
// collision is a configuration error and aborts generation; silently
// shadowing a tool would hide part of the API from the model.
func Generate(ops []schema.Operation) ([]Tool, error) {
	catalog := make([]Tool, 0, len(ops))
	seen := make(map[string]schema.Operation, len(ops))

	for _, op := range ops {
		name := Name(op)

		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q generated by both %s %s and %s %s",
				apperrors.ErrDuplicateToolName, name, prev.Method, prev.Path, op.Method, op.Path)
		}

		seen[name] = op

		catalog = append(catalog, Tool{
			Name:        name,
			Description: description(op),
			Namespace:   op.Namespace,
			Method:      op.Method,
			Path:        op.Path,
			Parameters:  parameters(op),
		})
	}

	return catalog, nil
}

// description picks the best available operation text.
func description(op schema.Operation) string {
	if op.Summary != "" {
		return op.Summary
	}

	if op.Description != "" {
		return op.Description
	}

	return fmt.Sprintf("%s %s", op.Method, op.Path)
}

// parameters builds the classified argument list for one operation:
// declared parameters first, then request body fields.
func parameters(op schema.Operation) []Parameter {
	var params []Parameter

	for _, ref := range op.Parameters {
		if ref == nil || ref.Value == nil {
			continue
		}

		params = append(params, classify(op, ref.Value))
	}

	params = append(params, bodyParameters(op)...)

	return params
}

// classify assigns a declared parameter its location. A name appearing
// in the path template is always a path parameter. For body-carrying
// methods everything else defaults to the body, unless the query_
// prefix overrides it. Other methods put everything in the query.
func classify(op schema.Operation, p *openapi3.Parameter) Parameter {
	v := ValidatorFromSchema(p.Schema)
	v.Optional = !p.Required

	param := Parameter{
		Name:        p.Name,
		Required:    p.Required,
		Description: p.Description,
		Validator:   v,
	}

	switch {
	case strings.Contains(op.Path, "{"+p.Name+"}"):
		param.Location = LocationPath
		param.Required = true
		v.Optional = false

	case hasBody(op.Method):
		if stripped, ok := strings.CutPrefix(p.Name, queryPrefix); ok {
			param.Name = stripped
			param.Location = LocationQuery
		} else {
			param.Location = LocationBody
		}

	default:
		param.Location = LocationQuery
	}

	return param
}

// bodyParameters expands the request body into arguments. A body
// schema with named properties contributes one argument per property;
// a schema without properties (or without a usable JSON content type)
// becomes a single opaque required body object.
func bodyParameters(op schema.Operation) []Parameter {
	if op.RequestBody == nil || op.RequestBody.Value == nil || !hasBody(op.Method) {
		return nil
	}

	required := op.RequestBody.Value.Required

	content := op.RequestBody.Value.Content.Get("application/json")
	if content != nil && content.Schema != nil && content.Schema.Value != nil && len(content.Schema.Value.Properties) > 0 {
		val := content.Schema.Value

		requiredSet := make(map[string]bool, len(val.Required))
		for _, name := range val.Required {
			requiredSet[name] = true
		}

		// Sorted so the parameter list is stable across runs.
		names := make([]string, 0, len(val.Properties))
		for name := range val.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		params := make([]Parameter, 0, len(names))
		for _, name := range names {
			prop := val.Properties[name]

			v := ValidatorFromSchema(prop)
			v.Optional = !requiredSet[name]

			params = append(params, Parameter{
				Name:        name,
				Location:    LocationBody,
				Required:    requiredSet[name],
				Description: v.Description,
				Validator:   v,
			})
		}

		return params
	}

	return []Parameter{{
		Name:        "body",
		Location:    LocationBody,
		Required:    required,
		Description: "Request body",
		Validator:   &Validator{Type: TypeObject, Optional: !required},
	}}
}

// EnsureFallback returns ts unless it is empty, in which case a
// catalog built from the schema fixtures is returned so the server
// always exposes at least one API tool.
func EnsureFallback(ts []Tool) []Tool {
	if len(ts) > 0 {
		return ts
	}

	var ops []schema.Operation
	for _, ns := range schema.Namespaces {
		ops = append(ops, schema.Fixture(ns)...)
	}

	fallback, err := Generate(ops)
	if err != nil || len(fallback) == 0 {
		return ts
	}

	return fallback
}

// hasBody reports whether the method carries a request body.
func hasBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	default:
		return false
	}
}

// InputSchemaMap renders the tool's argument schema as a JSON-schema
// object, used for pre-dispatch validation.
func (t Tool) InputSchemaMap() map[string]any {
	props := make(map[string]any, len(t.Parameters))

	var required []string

	for _, p := range t.Parameters {
		props[p.Name] = p.Validator.JSONSchemaMap()

		if p.Required {
			required = append(required, p.Name)
		}
	}

	m := map[string]any{
		"type":       "object",
		"properties": props,
	}

	if len(required) > 0 {
		m["required"] = required
	}

	return m
}

// InputSchema renders the argument schema in the form the MCP SDK
// serves to clients.
func (t Tool) InputSchema() *jsonschema.Schema {
	props := make(map[string]*jsonschema.Schema, len(t.Parameters))

	var required []string

	for _, p := range t.Parameters {
		s := p.Validator.jsonSchema()
		if s.Description == "" {
			s.Description = p.Description
		}

		props[p.Name] = s

		if p.Required {
			required = append(required, p.Name)
		}
	}

	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// jsonSchema converts a validator to the SDK schema type.
func (v *Validator) jsonSchema() *jsonschema.Schema {
	if v == nil {
		return &jsonschema.Schema{Type: "string"}
	}

	s := &jsonschema.Schema{
		Type:        v.schemaType(),
		Format:      v.Format,
		Description: v.Description,
	}

	for _, e := range v.Enum {
		s.Enum = append(s.Enum, e)
	}

	if v.Type == TypeArray {
		s.Items = v.Items.jsonSchema()
	}

	if v.Type == TypeObject && len(v.Properties) > 0 {
		s.Properties = make(map[string]*jsonschema.Schema, len(v.Properties))
		for name, p := range v.Properties {
			s.Properties[name] = p.jsonSchema()
		}
	}

	return s
}
