// Package rpc is the procedure framework: a dotted-path registry with
// runtime input validation, field selection, and in-process, HTTP, SSE, and
// WebSocket transports over the same catalog.
//
// The framework is deliberately untyped at the boundary. Resolvers receive
// the decoded input map and close over their application context (stores,
// broker, bash manager, managers) at catalog construction time; they never
// reach for process-global state.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind distinguishes how a procedure executes.
type Kind string

const (
	KindQuery        Kind = "query"
	KindMutation     Kind = "mutation"
	KindSubscription Kind = "subscription"
)

// ResolverFunc is a one-shot resolver.
type ResolverFunc func(ctx context.Context, input map[string]any) (any, error)

// StreamItem is one element of a subscription sequence. A non-nil Err is
// terminal: the transport reports it and closes the sequence.
type StreamItem struct {
	Value any
	Err   error
}

// SubscribeFunc starts a subscription. The returned channel must be closed
// when the subscription ends or ctx is done.
type SubscribeFunc func(ctx context.Context, input map[string]any) (<-chan StreamItem, error)

// Procedure declares one endpoint. A procedure may carry both a one-shot
// resolver and a subscription resolver under the same path, letting the
// client choose fetch or subscribe.
type Procedure struct {
	Kind Kind
	// InputSchema is a JSON Schema document validated against the input on
	// every call. Nil means any input is accepted.
	InputSchema json.RawMessage
	Resolve     ResolverFunc
	Subscribe   SubscribeFunc

	compiled *jsonschema.Schema
}

// compileSchema prepares the input schema for validation.
func (p *Procedure) compileSchema(path string) error {
	if len(p.InputSchema) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytesReader(p.InputSchema))
	if err != nil {
		return fmt.Errorf("invalid input schema for %s: %w", path, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := path + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("failed to add schema resource for %s: %w", path, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", path, err)
	}
	p.compiled = schema
	return nil
}

// validateInput checks input against the compiled schema.
func (p *Procedure) validateInput(input map[string]any) error {
	if p.compiled == nil {
		return nil
	}
	// Round-trip through JSON so numeric types match what the schema
	// library expects regardless of how the input was built.
	normalized, err := normalizeJSON(input)
	if err != nil {
		return ValidationError("input is not serializable: %v", err)
	}
	if err := p.compiled.Validate(normalized); err != nil {
		return ValidationError("%v", err)
	}
	return nil
}

func normalizeJSON(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytesReader(raw))
}
