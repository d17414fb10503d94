// Package mcp provides MCP (Model Context Protocol) client transports for
// discovering and invoking tools over streamable HTTP, SSE, or WebSocket.
// Transport-specific clients implement the unified Caller interface consumed
// by the discovery and execution layers.
package mcp

import (
	"context"
	"encoding/json"
)

const (
	// JSON-RPC 2.0 canonical error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// DefaultProtocolVersion is the MCP protocol version used when none is provided.
const DefaultProtocolVersion = "2024-11-05"

// Caller is a live session with one MCP server. Implementations are created
// per connection by a transport-specific constructor which performs the MCP
// initialize handshake; the connection pool treats callers as opaque
// reusable connections.
type Caller interface {
	// ListTools returns the tool descriptions advertised by the server.
	ListTools(ctx context.Context) ([]ToolDescription, error)
	// CallTool invokes a named tool with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error)
	// Close releases the underlying connection.
	Close() error
}

// Error represents a JSON-RPC error returned by the MCP server.
type Error struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// ToolDescription is one entry of a tools/list response. InputSchema is kept
// raw so the schema normalizer owns its interpretation.
type ToolDescription struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolResult captures the tools/call result returned by a server.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError"`
}

// ContentItem is a single content block of a tool result.
type ContentItem struct {
	Type     string  `json:"type"`
	Text     *string `json:"text"`
	MimeType *string `json:"mimeType"`
}

func (c ContentItem) text() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

// ExtractContent returns the payload of the first text-bearing content block.
// Valid JSON text is decoded into its structured value; anything else comes
// back as the raw string. A result with no text blocks yields nil.
func ExtractContent(result ToolResult) any {
	for _, item := range result.Content {
		if item.Text == nil {
			continue
		}
		text := item.text()
		var decoded any
		if err := json.Unmarshal([]byte(text), &decoded); err == nil {
			return decoded
		}
		return text
	}
	return nil
}
