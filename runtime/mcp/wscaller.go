package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSOptions configures the WebSocket caller.
type WSOptions struct {
	// URL is the ws:// or wss:// endpoint.
	URL              string
	Headers          map[string]string
	AuthToken        string
	ProtocolVersion  string
	ClientName       string
	ClientVersion    string
	HandshakeTimeout time.Duration
	InitTimeout      time.Duration
}

// WSCaller implements Caller over a persistent WebSocket connection carrying
// JSON-RPC frames. A single read loop resolves pending calls by request id;
// writes are serialized by a mutex.
type WSCaller struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan callResult
	nextID    uint64

	closed    chan struct{}
	closeOnce sync.Once

	closeErrMu sync.Mutex
	closeErr   error
}

// NewWSCaller dials the endpoint, starts the read loop, and performs the MCP
// initialize handshake.
func NewWSCaller(ctx context.Context, opts WSOptions) (*WSCaller, error) {
	if opts.URL == "" {
		return nil, errors.New("url is required")
	}
	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	header := http.Header{}
	for k, v := range opts.Headers {
		header.Set(k, v)
	}
	if opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+opts.AuthToken)
	}
	injectTraceHeaders(ctx, header)
	conn, _, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		return nil, err
	}
	caller := &WSCaller{
		conn:    conn,
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}
	go caller.readLoop()
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	if err := caller.call(initCtx, "initialize", initializePayload(opts.ProtocolVersion, opts.ClientName, opts.ClientVersion), nil); err != nil {
		_ = caller.Close()
		return nil, err
	}
	return caller, nil
}

// ListTools invokes tools/list over the WebSocket session.
func (c *WSCaller) ListTools(ctx context.Context) ([]ToolDescription, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes tools/call over the WebSocket session.
func (c *WSCaller) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	addTraceMeta(ctx, params)
	var result ToolResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return ToolResult{}, err
	}
	return result, nil
}

// Close terminates the WebSocket connection and fails any in-flight calls.
func (c *WSCaller) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

func (c *WSCaller) call(ctx context.Context, method string, params any, result any) error {
	id := c.next()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error.callerError()
		}
		if result != nil && res.resp.Result != nil {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return c.closeError()
	}
}

func (c *WSCaller) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSCaller) readLoop() {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			// Server notification, nothing pending to resolve.
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- callResult{resp: resp}
			close(ch)
		}
	}
}

func (c *WSCaller) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(err)
	_ = c.Close()
}

func (c *WSCaller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *WSCaller) next() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *WSCaller) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *WSCaller) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return errors.New("websocket caller closed")
	}
	return c.closeErr
}
