// Package schema converts heterogeneous tool descriptions into one standard
// shape. Normalization is total: an unrecognized raw shape yields an empty
// parameter set rather than an error, so one malformed tool never fails a
// discovery run.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/avisangle/jenkins-chatbot/runtime/mcp"
)

// Parameter describes one argument of a normalized tool schema.
type Parameter struct {
	Type        string
	Description string
	Enum        []any
}

// Standardized is the normalized description of one tool. Instances are
// immutable after normalization.
type Standardized struct {
	Name        string
	Description string
	Parameters  map[string]Parameter
	Required    []string
	Returns     string

	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// RawSchema returns the original inputSchema bytes, or nil when the raw shape
// carried none.
func (s Standardized) RawSchema() json.RawMessage { return s.raw }

// IsRequired reports whether the named parameter is required.
func (s Standardized) IsRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// Validate checks args against the compiled JSON schema. Schemas that never
// compiled validate vacuously; structural requirements are still enforced by
// the execution engine's own required-parameter check.
func (s Standardized) Validate(args map[string]any) error {
	if s.compiled == nil {
		return nil
	}
	// The validator wants plain decoded-JSON values.
	normalized := make(map[string]any, len(args))
	for k, v := range args {
		normalized[k] = toJSONValue(v)
	}
	if err := s.compiled.Validate(normalized); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// FromDescription normalizes a tools/list entry.
func FromDescription(d mcp.ToolDescription) Standardized {
	s := Standardized{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  map[string]Parameter{},
	}
	if len(d.InputSchema) > 0 {
		s.raw = d.InputSchema
		var doc map[string]any
		if err := json.Unmarshal(d.InputSchema, &doc); err == nil {
			s.Parameters, s.Required = parseObjectSchema(doc)
		}
		s.compiled = compile(d.InputSchema)
	}
	return s
}

// Normalize accepts the two raw shapes servers are known to produce: a
// typed tools/list description, or a plain mapping with name/description and
// either an inputSchema object or a parameters object. Anything else yields
// an empty schema.
func Normalize(raw any) Standardized {
	switch v := raw.(type) {
	case mcp.ToolDescription:
		return FromDescription(v)
	case *mcp.ToolDescription:
		if v != nil {
			return FromDescription(*v)
		}
	case map[string]any:
		return fromMap(v)
	}
	return Standardized{Parameters: map[string]Parameter{}}
}

func fromMap(m map[string]any) Standardized {
	s := Standardized{
		Name:        stringField(m, "name"),
		Description: stringField(m, "description"),
		Parameters:  map[string]Parameter{},
		Returns:     stringField(m, "returns"),
	}
	schemaDoc, ok := m["inputSchema"].(map[string]any)
	if !ok {
		schemaDoc, ok = m["input_schema"].(map[string]any)
	}
	if !ok {
		// Plain mapping shape: parameters directly at the top level.
		schemaDoc = map[string]any{}
		if props, ok := m["parameters"].(map[string]any); ok {
			schemaDoc["properties"] = props
		}
		if req, ok := m["required"]; ok {
			schemaDoc["required"] = req
		}
	}
	s.Parameters, s.Required = parseObjectSchema(schemaDoc)
	if len(schemaDoc) > 0 {
		if raw, err := json.Marshal(schemaDoc); err == nil {
			s.raw = raw
			s.compiled = compile(raw)
		}
	}
	return s
}

func parseObjectSchema(doc map[string]any) (map[string]Parameter, []string) {
	params := map[string]Parameter{}
	var required []string
	if props, ok := doc["properties"].(map[string]any); ok {
		for name, rawProp := range props {
			prop, ok := rawProp.(map[string]any)
			if !ok {
				params[name] = Parameter{}
				continue
			}
			p := Parameter{
				Type:        stringField(prop, "type"),
				Description: stringField(prop, "description"),
			}
			if enum, ok := prop["enum"].([]any); ok {
				p.Enum = enum
			}
			params[name] = p
		}
	}
	switch req := doc["required"].(type) {
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				required = append(required, name)
			}
		}
	case []string:
		required = append(required, req...)
	}
	return params, required
}

// compile builds a validator from raw schema bytes. Compilation failure is
// not an error at normalization time.
func compile(raw json.RawMessage) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return nil
	}
	return compiled
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// toJSONValue coerces Go scalars into the types the JSON schema validator
// expects for decoded JSON documents.
func toJSONValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, item := range n {
			out[k] = toJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = toJSONValue(item)
		}
		return out
	default:
		return v
	}
}
