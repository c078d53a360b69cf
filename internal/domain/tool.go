package domain

import (
	"encoding/json"
	"time"
)

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolDeclaration describes a tool the provider may call. Schema is the
// raw JSON schema returned by discovery and is forwarded to the provider
// unchanged; Params is the flattened view logged at discovery.
type ToolDeclaration struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Params      map[string]ParamSpec `json:"params,omitempty"`
	Schema      json.RawMessage      `json:"schema,omitempty"`
}

// ToolExecution is the observability record of one tool call. Output is
// truncated; the untruncated text only ever goes to the provider.
type ToolExecution struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Output    string         `json:"output"`
	Success   bool           `json:"-"`
	Error     string         `json:"-"`
	Duration  time.Duration  `json:"-"`
}

// ParamsFromSchema flattens a JSON object schema into ParamSpecs. Unknown
// shapes yield an empty map rather than an error.
func ParamsFromSchema(schema json.RawMessage) map[string]ParamSpec {
	var parsed struct {
		Properties map[string]struct {
			Type        any    `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	params := make(map[string]ParamSpec)
	if len(schema) == 0 || json.Unmarshal(schema, &parsed) != nil {
		return params
	}
	required := make(map[string]bool, len(parsed.Required))
	for _, name := range parsed.Required {
		required[name] = true
	}
	for name, prop := range parsed.Properties {
		params[name] = ParamSpec{
			Type:        schemaType(prop.Type),
			Description: prop.Description,
			Required:    required[name],
		}
	}
	return params
}

// schemaType handles both "type": "string" and "type": ["string", "null"].
func schemaType(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "null" {
				return s
			}
		}
	}
	return ""
}
