package llm

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// Tool describes a function the model may call, with a JSON schema derived
// from its Go argument type.
type Tool struct {
	Name        string
	Description string
	Argument    *jsonschema.Schema
}

// NewTool builds a Tool whose argument schema is inferred from ArgType.
func NewTool[ArgType any](name, description string) (*Tool, error) {
	arg, err := jsonschema.For[ArgType](nil)
	if err != nil {
		return nil, err
	}
	return &Tool{Name: name, Description: description, Argument: arg}, nil
}

// MustNewTool is NewTool that panics on schema inference failure.
// Intended for package-level tool definitions.
func MustNewTool[ArgType any](name, description string) *Tool {
	tool, err := NewTool[ArgType](name, description)
	if err != nil {
		panic(err)
	}
	return tool
}

// DecodeArgs unmarshals a tool call's raw argument JSON into T, repairing
// malformed JSON first since models occasionally emit broken escapes or
// trailing commas.
func DecodeArgs[T any](call *ToolCall) (T, error) {
	var v T
	if err := unmarshalJSON([]byte(call.Arguments), &v); err != nil {
		return v, fmt.Errorf("llm: decode %s arguments %q: %w", call.Name, call.Arguments, err)
	}
	return v, nil
}

// unmarshalJSON unmarshals JSON data into v. If the initial unmarshal fails
// with a syntax error, it tries to repair the JSON using jsonrepair before
// retrying.
func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, err := jsonrepair.JSONRepair(string(data))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}

// formatStrictSchema prepares a schema for providers running in strict mode:
// every object gets additionalProperties: false and every property becomes
// required (nullable when it was optional).
func formatStrictSchema(m *jsonschema.Schema) *jsonschema.Schema {
	if m == nil {
		return nil
	}

	if m.Type != "" && len(m.Types) > 0 {
		m.Types = append(m.Types, m.Type)
		m.Type = ""
	}
	typ := m.Type
	if typ == "" && len(m.Types) > 0 {
		for _, t := range m.Types {
			if t != "null" && t != "" {
				typ = t
				break
			}
		}
	}

	switch typ {
	case "array":
		m.Items = formatStrictSchema(m.Items)
	case "object":
		m.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}

		requires := make(map[string]struct{})
		for _, v := range m.Required {
			requires[v] = struct{}{}
		}
		for k, v := range m.Properties {
			if _, ok := requires[k]; !ok {
				requires[k] = struct{}{}
				if !slices.Contains(v.Types, "null") {
					v.Types = append(v.Types, "null")
				}
			}
			m.Properties[k] = formatStrictSchema(v)
		}
		m.Required = slices.Collect(maps.Keys(requires))
	}
	return m
}
