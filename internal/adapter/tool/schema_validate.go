package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"testscribe/internal/domain"
)

// SchemaValidatingTool checks call arguments against the tool's input
// schema before anything leaves the process.
type SchemaValidatingTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// WithSchemaValidation wraps t. Tools without a schema are returned as-is;
// a schema that does not compile is an error and the caller decides
// whether to run the tool unvalidated.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", t.Name(), err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return &SchemaValidatingTool{inner: t, schema: compiled}, nil
}

func (s *SchemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *SchemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *SchemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }

// Execute rejects invalid arguments with an error result the model can
// read and correct on its next roundtrip.
func (s *SchemaValidatingTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}

	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return argsResult(s.Name(), fmt.Sprintf("invalid JSON: %v", err)), nil
	}
	if err := s.schema.Validate(v); err != nil {
		return argsResult(s.Name(), err.Error()), nil
	}
	return s.inner.Execute(ctx, params)
}

func argsResult(name, detail string) *domain.ToolResult {
	err := domain.NewDomainError("tool."+name, domain.ErrToolArgs, detail)
	return &domain.ToolResult{IsError: true, Content: err.Error()}
}
