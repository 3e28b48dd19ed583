package duplex

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryTransport is one end of an in-process linked pair. A send on one end
// delivers the message to the other end's receive handler, carrying the
// receiving end's custom context. Messages that arrive before the receiving
// end has started are buffered and flushed in FIFO order by Start.
//
// Instances are only valid when created in pairs with NewInMemoryTransports.
type InMemoryTransport struct {
	sessionID string

	mu        sync.Mutex
	peer      *InMemoryTransport
	started   bool
	closed    bool
	buffer    []JSONRPCMessage
	custom    any
	onMessage ReceiveHandler
	onClose   func()
	onError   func(error)

	inbox chan JSONRPCMessage
	done  chan struct{}
}

// NewInMemoryTransports creates a linked pair of loopback transports. Closing
// either end closes the other.
func NewInMemoryTransports() (*InMemoryTransport, *InMemoryTransport) {
	a := newInMemoryTransport()
	b := newInMemoryTransport()
	a.peer = b
	b.peer = a
	return a, b
}

func newInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{
		sessionID: uuid.New().String(),
		inbox:     make(chan JSONRPCMessage, 16),
		done:      make(chan struct{}),
	}
}

// Start begins delivering inbound messages to the receive handler, beginning
// with any messages buffered while the transport was unstarted.
func (t *InMemoryTransport) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	buffered := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	go t.dispatchLoop(buffered)
	return nil
}

// Send delivers msg to the peer end of the pair. The metadata argument is
// accepted for interface conformance; the peer attaches its own metadata on
// delivery.
func (t *InMemoryTransport) Send(_ context.Context, msg JSONRPCMessage, _ MessageMeta) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if !t.started {
		t.mu.Unlock()
		return ErrNotConnected
	}
	peer := t.peer
	t.mu.Unlock()

	if peer == nil {
		return ErrTransportClosed
	}
	return peer.deliver(msg)
}

// Close closes this end, propagates the close to the peer exactly once, and
// clears the peer link so that subsequent sends fail.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peer := t.peer
	t.peer = nil
	onClose := t.onClose
	close(t.done)
	t.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	if peer != nil {
		peer.Close()
	}
	return nil
}

// SessionID returns the unique identifier of this end of the pair.
func (t *InMemoryTransport) SessionID() string { return t.sessionID }

// SetReceiveHandler registers the callback for inbound messages. It must be
// called before Start.
func (t *InMemoryTransport) SetReceiveHandler(h ReceiveHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}

// SetCloseHandler registers the callback invoked once when this end closes.
func (t *InMemoryTransport) SetCloseHandler(h func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = h
}

// SetErrorHandler registers the callback for non-fatal errors. The loopback
// transport never decodes bytes, so it only keeps the handler for interface
// conformance.
func (t *InMemoryTransport) SetErrorHandler(h func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = h
}

// SetCustomContext stores the connection-scoped context attached to every
// message this end delivers to its receive handler. Because a send on the
// peer triggers this end's receive path, the value set here is the one the
// peer's messages arrive with.
func (t *InMemoryTransport) SetCustomContext(v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.custom = v
}

func (t *InMemoryTransport) deliver(msg JSONRPCMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if !t.started {
		// Hold the message until Start flushes the buffer.
		t.buffer = append(t.buffer, msg)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	select {
	case t.inbox <- msg:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

func (t *InMemoryTransport) dispatchLoop(buffered []JSONRPCMessage) {
	for _, msg := range buffered {
		t.dispatch(msg)
	}
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.inbox:
			t.dispatch(msg)
		}
	}
}

func (t *InMemoryTransport) dispatch(msg JSONRPCMessage) {
	t.mu.Lock()
	h := t.onMessage
	meta := MessageMeta{
		SessionID: t.sessionID,
		Custom:    t.custom,
	}
	t.mu.Unlock()

	if h != nil {
		h(msg, meta)
	}
}
