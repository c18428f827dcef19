// Package upstream wraps the MCP client session behind a narrow interface
// so the supervisor, reconnect manager, and executor never import the mcp
// package directly. That seam is what lets tests substitute a fake Session
// without spinning up a real tool server.
package upstream

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolDescriptor is the catalog-facing shape of one upstream tool: enough
// to register an HTTP endpoint and compile a JSON Schema validator for it.
type ToolDescriptor struct {
	Name         string
	Description  string
	InputSchema  any
	OutputSchema any
}

// CallResult is the normalized, protocol-agnostic shape of a tool call
// outcome. IsError mirrors the upstream's is_error flag; Content holds
// the already-normalized (see Normalize) items.
type CallResult struct {
	IsError bool
	Content []any
}

// Session is the narrow surface the rest of the core depends on. The
// concrete implementation is clientSession, backed by *mcp.ClientSession.
type Session interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)
	Close() error
}

// clientSession adapts an *mcp.ClientSession to the Session interface.
type clientSession struct {
	name string
	raw  *mcp.ClientSession
}

// Wrap returns a Session backed by an already-established MCP client
// session for the named upstream.
func Wrap(name string, raw *mcp.ClientSession) Session {
	return &clientSession{name: name, raw: raw}
}

func (s *clientSession) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := s.raw.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream %q: list tools: %w", s.name, err)
	}
	out := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, ToolDescriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}
	return out, nil
}

func (s *clientSession) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	result, err := s.raw.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("upstream %q: call tool %q: %w", s.name, name, err)
	}
	return &CallResult{
		IsError: result.IsError,
		Content: Normalize(result.Content),
	}, nil
}

func (s *clientSession) Close() error {
	return s.raw.Close()
}
