package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPOptions configures the HTTP and SSE callers.
type HTTPOptions struct {
	Endpoint        string
	Client          *http.Client
	Headers         map[string]string
	AuthToken       string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// HTTPCaller implements Caller over JSON-RPC HTTP. It is the reference
// transport: a single POST endpoint that answers each request with one JSON
// body.
type HTTPCaller struct {
	transport *httpTransport
}

// NewHTTPCaller creates an HTTP-based Caller and performs the MCP initialize
// handshake.
func NewHTTPCaller(ctx context.Context, opts HTTPOptions) (*HTTPCaller, error) {
	transport, err := newHTTPTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &HTTPCaller{transport: transport}, nil
}

// ListTools invokes tools/list over HTTP.
func (c *HTTPCaller) ListTools(ctx context.Context) ([]ToolDescription, error) {
	var result toolsListResult
	if err := c.transport.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes tools/call over HTTP.
func (c *HTTPCaller) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	addTraceMeta(ctx, params)
	var result ToolResult
	if err := c.transport.call(ctx, "tools/call", params, &result); err != nil {
		return ToolResult{}, err
	}
	return result, nil
}

// Close releases the caller. The HTTP transport holds no persistent socket so
// this only closes idle keep-alive connections.
func (c *HTTPCaller) Close() error {
	c.transport.client.CloseIdleConnections()
	return nil
}

// httpTransport shares JSON-RPC HTTP plumbing across the HTTP and SSE callers.
type httpTransport struct {
	endpoint  string
	client    *http.Client
	headers   map[string]string
	authToken string
	id        uint64
}

func newHTTPTransport(ctx context.Context, opts HTTPOptions) (*httpTransport, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	transport := &httpTransport{
		endpoint:  endpoint,
		client:    httpClient,
		headers:   opts.Headers,
		authToken: opts.AuthToken,
	}
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	if err := transport.call(initCtx, "initialize", initializePayload(opts.ProtocolVersion, opts.ClientName, opts.ClientVersion), nil); err != nil {
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return transport, nil
}

func initializePayload(protocol, clientName, clientVersion string) map[string]any {
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	if clientName == "" {
		clientName = "jenkins-chatbot"
	}
	if clientVersion == "" {
		clientVersion = "dev"
	}
	return map[string]any{
		"protocolVersion": protocol,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}

func (t *httpTransport) nextID() uint64 {
	return atomic.AddUint64(&t.id, 1)
}

func (t *httpTransport) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}
	injectTraceHeaders(ctx, req.Header)
	return req, nil
}

func (t *httpTransport) call(ctx context.Context, method string, params any, result any) error {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      t.nextID(),
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := t.newRequest(ctx, body)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp rpc status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.callerError()
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return err
		}
	}
	return nil
}
