// Package duplex implements a bidirectional JSON-RPC 2.0 protocol engine over
// pluggable transports. An Engine correlates outgoing requests with their
// eventual responses, dispatches incoming requests and notifications to
// registered handlers, and guarantees that every response travels back through
// the exact transport that delivered its request, no matter how many other
// transports attach or detach in the meantime.
//
// Three transports are provided: an in-process loopback pair for tests and
// embedding, a newline-delimited stream transport for stdio-style pipes, and a
// Server-Sent Events transport that serves many concurrent remote clients from
// one process.
package duplex
