// Package tools turns normalized Smaregi API operations into an MCP
// tool catalog: synthesized names, parameter classification, and
// argument validators derived from the OpenAPI schemas.
package tools

import (
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/spf13/cast"
)

// Validator type vocabulary. Every OpenAPI schema maps onto one of
// these five types; anything unrecognized degrades to a string.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Validator describes the expected shape of one tool argument. It is
// the normalized form of an OpenAPI schema, reduced to the closed type
// vocabulary above.
type Validator struct {
	Type        string                `json:"type" yaml:"type"`
	Optional    bool                  `json:"optional,omitempty" yaml:"optional,omitempty"`
	Format      string                `json:"format,omitempty" yaml:"format,omitempty"`
	Enum        []string              `json:"enum,omitempty" yaml:"enum,omitempty"`
	Items       *Validator            `json:"items,omitempty" yaml:"items,omitempty"`
	Properties  map[string]*Validator `json:"properties,omitempty" yaml:"properties,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
}

// TypeName reports the validator's underlying type name. Optionality
// never changes the reported type: an optional number is a number.
func (v *Validator) TypeName() string {
	if v == nil || v.Type == "" {
		return TypeString
	}

	return v.Type
}

// ValidatorFromSchema builds a validator from an OpenAPI schema
// reference. A nil or empty schema yields a plain string validator.
func ValidatorFromSchema(ref *openapi3.SchemaRef) *Validator {
	if ref == nil || ref.Value == nil {
		return &Validator{Type: TypeString}
	}

	val := ref.Value
	v := &Validator{Description: val.Description}

	switch {
	case val.Type != nil && (val.Type.Is(openapi3.TypeInteger) || val.Type.Is(openapi3.TypeNumber)):
		v.Type = TypeNumber

	case val.Type != nil && val.Type.Is(openapi3.TypeBoolean):
		v.Type = TypeBoolean

	case val.Type != nil && val.Type.Is(openapi3.TypeArray):
		v.Type = TypeArray
		v.Items = arrayItemValidator(val.Items)

	case val.Type != nil && val.Type.Is(openapi3.TypeObject):
		v.Type = TypeObject
		if len(val.Properties) > 0 {
			v.Properties = make(map[string]*Validator, len(val.Properties))
			for name, prop := range val.Properties {
				v.Properties[name] = ValidatorFromSchema(prop)
			}
		}

	default:
		v.Type = TypeString
		// Date formats are kept so the dispatcher can verify the value
		// parses before sending it upstream.
		if val.Format == "date" || val.Format == "date-time" {
			v.Format = val.Format
		}
	}

	for _, e := range val.Enum {
		v.Enum = append(v.Enum, cast.ToString(e))
	}

	return v
}

// arrayItemValidator maps an array's item schema. Item types collapse
// to number or string; the Smaregi API never nests structures inside
// list parameters.
func arrayItemValidator(items *openapi3.SchemaRef) *Validator {
	if items != nil && items.Value != nil && items.Value.Type != nil &&
		(items.Value.Type.Is(openapi3.TypeInteger) || items.Value.Type.Is(openapi3.TypeNumber)) {
		return &Validator{Type: TypeNumber}
	}

	return &Validator{Type: TypeString}
}

// JSONSchemaMap renders the validator as a JSON-schema fragment, the
// form used for pre-dispatch argument validation.
func (v *Validator) JSONSchemaMap() map[string]any {
	if v == nil {
		return map[string]any{"type": "string"}
	}

	m := map[string]any{"type": v.schemaType()}

	if v.Description != "" {
		m["description"] = v.Description
	}

	if v.Format != "" {
		m["format"] = v.Format
	}

	if len(v.Enum) > 0 {
		enum := make([]any, len(v.Enum))
		for i, e := range v.Enum {
			enum[i] = e
		}

		m["enum"] = enum
	}

	if v.Type == TypeArray {
		m["items"] = v.Items.JSONSchemaMap()
	}

	if v.Type == TypeObject && len(v.Properties) > 0 {
		props := make(map[string]any, len(v.Properties))
		for name, p := range v.Properties {
			props[name] = p.JSONSchemaMap()
		}

		m["properties"] = props
	}

	return m
}

// schemaType maps the validator type onto the JSON-schema type name.
func (v *Validator) schemaType() string {
	switch v.Type {
	case TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return v.Type
	default:
		return TypeString
	}
}
