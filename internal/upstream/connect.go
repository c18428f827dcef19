package upstream

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmesh/toolproxy/internal/config"
	"github.com/toolmesh/toolproxy/internal/transport"
)

// ClientVersion is reported to every upstream during MCP initialize. It is
// not the upstream's own version — there is no shared release train with
// the tool servers it fronts — just an identifier for the bridging client.
const ClientVersion = "1.0.0"

// Connect builds a transport for u, opens an MCP client session over it,
// and enumerates its tools. The caller owns the lifetime of the returned
// Session and must Close it.
func Connect(ctx context.Context, u config.Upstream, authHeaders map[string]string) (Session, []ToolDescriptor, error) {
	tr, err := transport.Build(u, authHeaders)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream %q: %w", u.Name, err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "toolproxy", Version: ClientVersion}, nil)

	raw, err := client.Connect(ctx, tr, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream %q: connect: %w", u.Name, err)
	}

	session := Wrap(u.Name, raw)
	tools, err := session.ListTools(ctx)
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("upstream %q: %w", u.Name, err)
	}

	return session, tools, nil
}
