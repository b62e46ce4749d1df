// Package jsonrpc implements the JSON-RPC 2.0 envelope used on the WebSocket
// gateway. Framing is one JSON object per text frame.
package jsonrpc

import "encoding/json"

// Version is the protocol version carried in every message.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`      // Always "2.0"
	ID      interface{}     `json:"id,omitempty"` // Request ID (int or string), omit for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Notification represents a JSON-RPC 2.0 notification (no ID, no response expected)
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes (implementation-defined range)
const (
	CodeNotFound           = -32000
	CodeConversationClosed = -32001
	CodeTurnMismatch       = -32002
	CodeNoOpenTurn         = -32003
	CodeWrongAgent         = -32004
	CodeAgentNotPermitted  = -32005
	CodePreconditionFailed = -32006
)

// Methods handled by the gateway
const (
	MethodPing                   = "ping"
	MethodCreateConversation     = "createConversation"
	MethodGetConversation        = "getConversation"
	MethodSendMessage            = "sendMessage"
	MethodSubscribe              = "subscribe"
	MethodUnsubscribe            = "unsubscribe"
	MethodSubscribeConversations = "subscribeConversations"
	MethodLifecycleEnsure        = "lifecycle.ensure"
	MethodLifecycleStop          = "lifecycle.stop"

	// Server -> client notifications
	NotificationEvent        = "event"
	NotificationConversation = "conversation"
)

// NewResponse builds a success response; the result must marshal cleanly.
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id interface{}, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewNotification builds a server push notification.
func NewNotification(method string, params interface{}) (*Notification, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: data}, nil
}
