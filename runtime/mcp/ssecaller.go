package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSECaller implements Caller over HTTP with SSE response streams: each
// request POSTs one JSON-RPC body and reads event frames until the server
// emits the response event.
type SSECaller struct{ transport *httpTransport }

// NewSSECaller creates an SSE-based Caller and performs the MCP initialize
// handshake.
func NewSSECaller(ctx context.Context, opts HTTPOptions) (*SSECaller, error) {
	transport, err := newHTTPTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &SSECaller{transport: transport}, nil
}

// ListTools invokes tools/list via SSE.
func (c *SSECaller) ListTools(ctx context.Context) ([]ToolDescription, error) {
	raw, err := c.stream(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes tools/call via SSE.
func (c *SSECaller) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	addTraceMeta(ctx, params)
	raw, err := c.stream(ctx, "tools/call", params)
	if err != nil {
		return ToolResult{}, err
	}
	return decodeToolCallResult(raw)
}

// Close releases idle connections.
func (c *SSECaller) Close() error {
	c.transport.client.CloseIdleConnections()
	return nil
}

func (c *SSECaller) stream(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rpcReq := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.transport.nextID(), Params: params}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.transport.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.transport.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, string(raw))
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected content type %q: %s", resp.Header.Get("Content-Type"), string(raw))
	}
	reader := bufio.NewReader(resp.Body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("sse stream closed before response")
			}
			return nil, err
		}
		switch event {
		case "response":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				return nil, err
			}
			if rpcResp.Error != nil {
				return nil, rpcResp.Error.callerError()
			}
			return rpcResp.Result, nil
		case "error":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				return nil, fmt.Errorf("mcp error event: %w", err)
			}
			if rpcResp.Error != nil {
				return nil, rpcResp.Error.callerError()
			}
			return nil, errors.New("mcp error event")
		case "", "notification":
			continue
		case "close":
			return nil, errors.New("sse stream closed without response")
		default:
			continue
		}
	}
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, after...)
			continue
		}
	}
}
