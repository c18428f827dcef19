package upstream

import (
	"encoding/base64"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Normalize converts MCP content items into the JSON-ready shapes the HTTP
// layer returns to callers, per the tool result normalization rules:
//
//   - TextContent: if the text is itself a JSON document, the parsed value
//     is included; otherwise the raw string is included.
//   - ImageContent: included as a "data:<mimeType>;base64,<data>" string.
//   - EmbeddedResource: included as a fixed placeholder string, since
//     passing embedded resources through opaquely is out of scope.
//   - Any other content kind (audio, resource links, sampling-only content):
//     included as the fixed placeholder string "Unsupported content type.";
//     the kind itself is not named.
func Normalize(items []mcp.Content) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, normalizeOne(item))
	}
	return out
}

func normalizeOne(item mcp.Content) any {
	switch c := item.(type) {
	case *mcp.TextContent:
		return normalizeText(c.Text)
	case *mcp.ImageContent:
		return "data:" + c.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(c.Data)
	case *mcp.EmbeddedResource:
		return "Embedded resource not supported yet."
	default:
		return "Unsupported content type."
	}
}

// normalizeText parses text as JSON when possible so structured tool
// output round-trips as structured data rather than a doubly-encoded
// string; plain text passes through unchanged.
func normalizeText(text string) any {
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return text
	}
	return parsed
}

// Collapse implements the response-body shaping rule: a single content
// item is returned bare, more than one as an array.
func Collapse(items []any) any {
	if len(items) == 1 {
		return items[0]
	}
	return items
}
