package plugin

import (
	"encoding/json"
	"fmt"
)

// jsonRPCVersion is the protocol version carried by every message.
const jsonRPCVersion = "2.0"

// JSON-RPC error codes. The standard range plus the plugin-specific codes
// spoken by the plugin SDKs.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodePluginNotReady   = -32000
	CodeAbilityNotFound  = -32001
	CodePermissionDenied = -32002
	CodeExecutionTimeout = -32003
	CodePluginError      = -32010
)

// Request is a JSON-RPC 2.0 request. Notifications omit the ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a plugin-to-core JSON-RPC notification (no id, no reply).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// newRequest builds a request with marshalled params. A nil params value
// produces a request without a params field.
func newRequest(id int64, method string, params any) (Request, error) {
	req := Request{JSONRPC: jsonRPCVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("plugin: marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}
