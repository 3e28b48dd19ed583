package duplex

import (
	"encoding/json"
	"fmt"
)

// MustString is a type that enforces string representation for request IDs,
// which the protocol allows to be either a string or an integer. It handles
// automatic conversion during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message. It can represent either a
// request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, and Method are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
//
// Use Kind to classify a decoded message.
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error object in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// MessageKind classifies a JSONRPCMessage by which fields are populated.
type MessageKind int

// The message kinds yielded by JSONRPCMessage.Kind.
const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodCancelled is the notification method used to inform a peer that
	// an outstanding request identified by CancelledParams.RequestID has been
	// abandoned by its caller.
	MethodCancelled = "notifications/cancelled"

	// MethodPing is answered by every Engine with an empty result.
	MethodPing = "ping"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// CancelledParams is the payload of a MethodCancelled notification.
type CancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// Kind reports what kind of message m is, following the presence rules of the
// wire shape: a method with an ID is a request, a method without an ID is a
// notification, and an ID with a result or error is a response.
func (m JSONRPCMessage) Kind() MessageKind {
	if m.JSONRPC != JSONRPCVersion {
		return KindInvalid
	}
	switch {
	case m.Method != "" && m.ID != "":
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != "" && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// NewRequest builds a request message for the given id, method and params.
// Params may be nil.
func NewRequest(id MustString, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	return msg, nil
}

// NewNotification builds a notification message for the given method and
// params. Params may be nil.
func NewNotification(method string, params any) (JSONRPCMessage, error) {
	msg, err := NewRequest("", method, params)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	return msg, nil
}

// NewResponse builds a successful response message carrying result, which is
// marshaled into the result field.
func NewResponse(id MustString, result any) (JSONRPCMessage, error) {
	resBs, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}, nil
}

// NewErrorResponse builds an error response message for the given id.
func NewErrorResponse(id MustString, code int, message string) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON
// representation, always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
