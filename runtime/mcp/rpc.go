package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (e *rpcError) callerError() *Error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message}
}

type toolsListResult struct {
	Tools []ToolDescription `json:"tools"`
}

func decodeToolCallResult(raw json.RawMessage) (ToolResult, error) {
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolResult{}, err
	}
	return result, nil
}

// traceFields extracts the active trace context as propagation key-value
// pairs, or nil when the context carries no span.
func traceFields(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// injectTraceHeaders copies the trace context into outbound HTTP headers.
func injectTraceHeaders(ctx context.Context, header http.Header) {
	if header == nil {
		return
	}
	for k, v := range traceFields(ctx) {
		header.Set(k, v)
	}
}

// addTraceMeta folds the trace context into the request params' _meta field
// so servers can correlate tool calls with client spans.
func addTraceMeta(ctx context.Context, params map[string]any) {
	fields := traceFields(ctx)
	if params == nil || fields == nil {
		return
	}
	params["_meta"] = map[string]string(fields)
}
