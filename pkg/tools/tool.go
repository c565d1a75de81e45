// Package tools provides the named capabilities an agent can invoke during a job.
//
// Dispatch is by name through a registry of factories. Each tool declares a JSON
// schema for its input so the completion service can emit structured calls.
package tools

import (
	"context"
	"fmt"
)

// Tool names.
const (
	ToolReadFile  = "read_file"
	ToolListFiles = "list_files"
	ToolWriteFile = "write_file"
	ToolEditFile  = "edit_file"
	ToolSearch    = "search"
	ToolReport    = "report"
)

// Tool is a named capability with a declared input schema.
type Tool interface {
	Name() string
	Definition() ToolDefinition
	// Exec runs the tool. A returned error is reported back to the model as an error tool-result.
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// ToolDefinition describes a tool to the completion service.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// InputSchema is the JSON-schema object describing tool input.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property is one field of an InputSchema.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// ToMap renders the schema as a plain map, the shape provider SDKs accept.
func (s InputSchema) ToMap() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = p.toMap()
	}
	m := map[string]any{
		"type":       s.Type,
		"properties": props,
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	return m
}

func (p Property) toMap() map[string]any {
	m := map[string]any{"type": p.Type}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		m["enum"] = p.Enum
	}
	if p.Items != nil {
		m["items"] = p.Items.toMap()
	}
	return m
}

// Mutation describes a change a tool made to the workspace. Mutations become artifacts.
type Mutation struct {
	Path    string
	Content string
	Patch   string
}

// Report is the structured payload of the terminal report tool.
type Report struct {
	Summary         string
	Recommendations []string
}

// ExecResult is the output of a successful tool call.
type ExecResult struct {
	Content  string
	Mutation *Mutation
	// Report is set only by the report tool. It ends the loop.
	Report *Report
}

// stringArg returns a required string argument. Any alias is accepted when the primary key is missing.
func stringArg(args map[string]any, key string, aliases ...string) (string, error) {
	for _, k := range append([]string{key}, aliases...) {
		if v, ok := args[k]; ok {
			s, ok := v.(string)
			if !ok {
				return "", fmt.Errorf("%s must be a string", k)
			}
			if s != "" {
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("%s is required and must be a string", key)
}

// optionalString returns a string argument or def.
func optionalString(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return def
}

// intArgOrDefault extracts a positive integer argument, returning defaultVal if missing or invalid.
// Handles float64 (from JSON unmarshal), int, and int64 value types.
func intArgOrDefault(args map[string]any, key string, defaultVal int) int {
	v, exists := args[key]
	if !exists {
		return defaultVal
	}
	var n int
	switch val := v.(type) {
	case float64:
		n = int(val)
	case int:
		n = val
	case int64:
		n = int(val)
	default:
		return defaultVal
	}
	if n < 1 {
		return defaultVal
	}
	return n
}
