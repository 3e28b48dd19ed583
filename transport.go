package duplex

import "context"

// MessageMeta is the single canonical metadata carrier that accompanies every
// message across the transport boundary, both on receive and on send. It has
// no behavior of its own; transports populate it and the engine threads it
// through to handlers unchanged.
//
// On receive, the custom context is always the one stored on the receiving
// transport ("receiving side wins"): a transport attaches its own custom
// context to every message it delivers, and senders never inject theirs into
// the peer's metadata.
type MessageMeta struct {
	// SessionID identifies the connection the message belongs to.
	SessionID string

	// AuthToken carries an opaque authentication token, if the transport has
	// one for this connection. The engine round-trips it without inspection.
	AuthToken string

	// Custom is the opaque connection-scoped context value set via
	// SetCustomContext, if any.
	Custom any

	// RelatedRequestID names the request an outgoing message belongs to, so
	// multi-connection transports can select the output channel that carried
	// the original request. It is empty on receive.
	RelatedRequestID MustString
}

// ReceiveHandler is invoked by a transport once per successfully decoded
// inbound message, together with the connection-scoped metadata.
type ReceiveHandler func(msg JSONRPCMessage, meta MessageMeta)

// Transport is the capability contract every connection kind implements. A
// transport owns exactly one peer relationship; multi-connection endpoints
// such as SSEServer hand out one Transport per connected client.
//
// The lifecycle is Unconnected -> Started -> Closed. Send before Start fails
// with ErrNotConnected, Send after Close fails with ErrTransportClosed (or
// ErrPeerGone when the remote end disappeared first), and Close is idempotent.
// Handlers must be registered before Start; a transport buffers messages that
// arrive before Start and flushes them in FIFO order once started.
type Transport interface {
	// Start begins receiving. It fails with ErrAlreadyStarted when called
	// twice, and flushes any messages buffered before the call.
	Start() error

	// Send delivers msg to the peer. A failed send must leave the transport
	// in a usable state; the caller may retry or close.
	Send(ctx context.Context, msg JSONRPCMessage, meta MessageMeta) error

	// Close releases transport-owned resources and invokes the close handler
	// exactly once. It is safe to call multiple times.
	Close() error

	// SessionID returns a stable identifier for this connection.
	SessionID() string

	// SetReceiveHandler registers the callback invoked for every decoded
	// inbound message.
	SetReceiveHandler(ReceiveHandler)

	// SetCloseHandler registers the callback invoked once when the transport
	// closes, by either endpoint.
	SetCloseHandler(func())

	// SetErrorHandler registers the callback invoked for non-fatal transport
	// errors, such as a line that failed to decode. One bad message must not
	// stop the receive loop.
	SetErrorHandler(func(error))

	// SetCustomContext stores an opaque connection-scoped value that the
	// transport merges into the metadata of every message it subsequently
	// delivers.
	SetCustomContext(v any)
}
