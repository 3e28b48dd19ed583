package duplex

import "errors"

// Errors reported by transports and by the Engine. Failures of a pending
// request surface through errors.Is against these sentinels; they never
// terminate the engine.
var (
	// ErrNotConnected is reported by Send when a transport has not been
	// started, or by Call/Notify when the engine has no attached transport.
	ErrNotConnected = errors.New("transport not connected")

	// ErrTransportClosed is reported when the transport bound to an exchange
	// has been closed locally before the exchange completed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrPeerGone is reported by a multi-connection transport when the output
	// channel a message is addressed to no longer exists, for example because
	// the remote client disconnected its event stream.
	ErrPeerGone = errors.New("peer is gone")

	// ErrTimeout is reported when a pending request exceeded its deadline
	// before a response arrived.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled is reported when a pending request was cancelled by its
	// caller before a response arrived.
	ErrCancelled = errors.New("request cancelled")

	// ErrAlreadyStarted is reported by Start on a transport that is already
	// receiving.
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrAmbiguousTransport is reported by Call/Notify when more than one
	// transport is attached and no explicit target was given.
	ErrAmbiguousTransport = errors.New("multiple transports attached, target must be explicit")
)
