package executor

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/toolmesh/toolproxy/internal/upstream"
)

// CompiledTool pairs a tool descriptor with its resolved input schema,
// compiled once at enumeration time and reused across every call and
// across reconnects, unless the catalog itself drifts.
type CompiledTool struct {
	Descriptor upstream.ToolDescriptor
	Input      *jsonschema.Resolved
}

// Compile resolves the JSON Schema on each descriptor. A descriptor with
// no input schema at all is compiled with a nil Input and accepts any
// object.
func Compile(tools []upstream.ToolDescriptor) (map[string]*CompiledTool, error) {
	out := make(map[string]*CompiledTool, len(tools))
	for _, t := range tools {
		ct, err := compileOne(t)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.Name, err)
		}
		out[t.Name] = ct
	}
	return out, nil
}

func compileOne(t upstream.ToolDescriptor) (*CompiledTool, error) {
	if t.InputSchema == nil {
		return &CompiledTool{Descriptor: t}, nil
	}

	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshaling input schema: %w", err)
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parsing input schema: %w", err)
	}

	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, fmt.Errorf("resolving input schema: %w", err)
	}

	return &CompiledTool{Descriptor: t, Input: resolved}, nil
}

// Bind validates args against the tool's input schema. A validation
// failure is a shape error (HTTP 422), never a transport error.
func (ct *CompiledTool) Bind(args map[string]any) error {
	if ct.Input == nil {
		return nil
	}
	return ct.Input.Validate(args)
}
