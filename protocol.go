package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// Handler processes an inbound request and returns a result to be marshaled
// into the response, or an error. Returning a *JSONRPCError controls the
// error code sent to the peer; any other error is reported as an internal
// error. The context is cancelled when the peer cancels the request, the
// delivering transport closes, or the engine shuts down.
type Handler func(ctx context.Context, req Request, meta MessageMeta) (any, error)

// NotificationHandler processes an inbound notification. Notifications have
// no response; the handler runs fire-and-forget.
type NotificationHandler func(ctx context.Context, notif Notification, meta MessageMeta)

// Request is the handler-facing view of an inbound request message.
type Request struct {
	ID     MustString
	Method string
	Params json.RawMessage
}

// Notification is the handler-facing view of an inbound notification message.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Engine is the protocol correlation core. It owns zero or more attached
// transports, maintains the pending-request table for requests it issues,
// dispatches inbound requests and notifications to registered handlers, and
// routes every response back through the exact transport that delivered the
// originating request.
//
// That last property is structural: Connect registers per-transport closures
// that capture the concrete Transport, and the captured value rides inside
// each dispatch and each pending-request record. The engine holds no
// "current transport" field that a later attachment could overwrite.
//
// All methods are safe for concurrent use.
type Engine struct {
	logger          *slog.Logger
	requestTimeout  time.Duration
	sendTimeout     time.Duration
	pingInterval    time.Duration
	pingThreshold   int
	debounceMethods mapset.Set[string]

	tasks      *taskgroup.Group
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	transports    mapset.Set[Transport]
	pending       map[MustString]*pendingRequest
	inflight      map[inflightKey]context.CancelFunc
	handlers      map[string]Handler
	notifHandlers map[string]NotificationHandler
	debounce      map[debounceKey]*debounceSlot
}

// pendingRequest tracks one engine-issued request awaiting its response. The
// transport field is the send target captured when the request was issued;
// close cleanup uses it to fail exactly the requests bound to the closing
// transport.
type pendingRequest struct {
	id        MustString
	transport Transport
	result    chan pendingResult
}

type pendingResult struct {
	msg JSONRPCMessage
	err error
}

// inflightKey identifies an inbound request currently being handled. Keyed by
// transport as well as id because peers allocate ids independently.
type inflightKey struct {
	transport Transport
	id        MustString
}

type debounceKey struct {
	transport Transport
	method    string
	inbound   bool
}

type debounceSlot struct {
	msg  JSONRPCMessage
	meta MessageMeta
}

// EngineOption represents the options for the Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRequestTimeout sets the default deadline for Call. A caller-supplied
// context deadline shortens it but never extends it.
func WithRequestTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.requestTimeout = d
	}
}

// WithSendTimeout bounds how long the engine waits when writing responses and
// notifications it originates internally.
func WithSendTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.sendTimeout = d
	}
}

// WithPingInterval enables liveness supervision of attached transports: the
// engine pings each one at the given interval and closes it after consecutive
// failures exceed the threshold.
func WithPingInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.pingInterval = d
	}
}

// WithPingFailureThreshold sets how many consecutive ping failures are
// tolerated before a supervised transport is closed. The default is 3.
func WithPingFailureThreshold(n int) EngineOption {
	return func(e *Engine) {
		e.pingThreshold = n
	}
}

// WithDebouncedNotifications marks notification methods whose emissions and
// deliveries may be coalesced: of several queued within the same scheduling
// tick, only the last is kept.
func WithDebouncedNotifications(methods ...string) EngineOption {
	return func(e *Engine) {
		e.debounceMethods.Add(methods...)
	}
}

// NewEngine creates an engine with no attached transports. Attach transports
// with Connect and release resources with Close when no longer needed.
func NewEngine(options ...EngineOption) *Engine {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:          slog.Default(),
		requestTimeout:  60 * time.Second,
		sendTimeout:     30 * time.Second,
		pingThreshold:   3,
		debounceMethods: mapset.New[string](),
		tasks:           taskgroup.New(nil),
		baseCtx:         baseCtx,
		baseCancel:      baseCancel,
		transports:      mapset.New[Transport](),
		pending:         make(map[MustString]*pendingRequest),
		inflight:        make(map[inflightKey]context.CancelFunc),
		handlers:        make(map[string]Handler),
		notifHandlers:   make(map[string]NotificationHandler),
		debounce:        make(map[debounceKey]*debounceSlot),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Handle registers a handler for the given request method. Passing a nil
// handler removes any existing registration. It is safe to call while the
// engine is running.
func (e *Engine) Handle(method string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h == nil {
		delete(e.handlers, method)
	} else {
		e.handlers[method] = h
	}
}

// HandleNotification registers a handler for the given notification method.
// Passing a nil handler removes any existing registration.
func (e *Engine) HandleNotification(method string, h NotificationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h == nil {
		delete(e.notifHandlers, method)
	} else {
		e.notifHandlers[method] = h
	}
}

// Connect attaches transport to the engine: it registers the receive, close
// and error callbacks, starts the transport, and adds it to the attached set.
// Multiple calls attach multiple independent transports; attaching a new one
// never disturbs the bindings of requests already in flight on another.
func (e *Engine) Connect(transport Transport) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrTransportClosed
	}
	e.transports.Add(transport)
	e.mu.Unlock()

	// Bind by capture: each closure holds this concrete transport, so every
	// message received through it is permanently associated with it.
	transport.SetReceiveHandler(func(msg JSONRPCMessage, meta MessageMeta) {
		e.receive(transport, msg, meta)
	})
	transport.SetCloseHandler(func() {
		e.transportClosed(transport)
	})
	transport.SetErrorHandler(func(err error) {
		e.logger.Warn("transport error",
			slog.String("sessionID", transport.SessionID()),
			slog.String("err", err.Error()))
	})

	if err := transport.Start(); err != nil {
		e.mu.Lock()
		e.transports.Remove(transport)
		e.mu.Unlock()
		return fmt.Errorf("failed to start transport: %w", err)
	}

	if e.pingInterval > 0 {
		e.mu.Lock()
		if !e.closed {
			e.tasks.Go(func() error {
				e.pingLoop(transport)
				return nil
			})
		}
		e.mu.Unlock()
	}
	return nil
}

// Disconnect detaches transport by closing it. Pending requests bound to it
// fail with ErrTransportClosed; requests bound to other transports are
// unaffected.
func (e *Engine) Disconnect(transport Transport) error {
	return transport.Close()
}

// Close shuts the engine down: it closes every attached transport, fails all
// pending requests, cancels running handlers, and waits for handler
// goroutines to finish. The engine cannot be reused afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	transports := make([]Transport, 0, e.transports.Len())
	for t := range e.transports {
		transports = append(transports, t)
	}
	e.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			e.logger.Warn("failed to close transport",
				slog.String("sessionID", t.SessionID()),
				slog.String("err", err.Error()))
		}
	}

	e.baseCancel()
	e.tasks.Wait()
	return nil
}

// Call issues a request on the sole attached transport and blocks until the
// response arrives, the deadline elapses, ctx is cancelled, or the transport
// closes — whichever happens first. With no transport attached it fails with
// ErrNotConnected; with more than one it fails with ErrAmbiguousTransport and
// the caller must use CallVia.
func (e *Engine) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t, err := e.soleTransport()
	if err != nil {
		return nil, err
	}
	return e.CallVia(ctx, t, method, params)
}

// CallVia issues a request on the given attached transport. See Call for the
// completion semantics.
func (e *Engine) CallVia(ctx context.Context, transport Transport, method string, params any) (json.RawMessage, error) {
	id := MustString(uuid.New().String())
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingRequest{
		id:        id,
		transport: transport,
		result:    make(chan pendingResult, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if !e.transports.Has(transport) {
		e.mu.Unlock()
		return nil, ErrNotConnected
	}
	e.pending[id] = pc
	e.mu.Unlock()

	// Send outside the lock so receive dispatch is never blocked on I/O.
	if err := transport.Send(ctx, msg, MessageMeta{RelatedRequestID: id}); err != nil {
		e.removePending(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(e.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-pc.result:
		if res.err != nil {
			return nil, fmt.Errorf("request %q: %w", method, res.err)
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-timer.C:
		e.removePending(id)
		return nil, fmt.Errorf("request %q: %w", method, ErrTimeout)
	case <-ctx.Done():
		e.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// A lapsed deadline is a timeout, same as the engine-wide one;
			// the peer is not notified.
			return nil, fmt.Errorf("request %q: %w", method, ErrTimeout)
		}
		// Best-effort cancellation notice; the peer-side handler keeps
		// running regardless, only the local wait is abandoned.
		e.notifyCancelled(transport, id, ctx.Err())
		return nil, fmt.Errorf("request %q: %w: %w", method, ErrCancelled, ctx.Err())
	}
}

// Notify sends a notification on the sole attached transport. Notifications
// of a debounced method may be coalesced before transmission.
func (e *Engine) Notify(ctx context.Context, method string, params any) error {
	t, err := e.soleTransport()
	if err != nil {
		return err
	}
	return e.NotifyVia(ctx, t, method, params)
}

// NotifyVia sends a notification on the given attached transport.
func (e *Engine) NotifyVia(ctx context.Context, transport Transport, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}

	if e.debounceMethods.Has(method) {
		key := debounceKey{transport: transport, method: method}
		e.queueDebounced(key, msg, MessageMeta{}, func(msg JSONRPCMessage, _ MessageMeta) {
			sendCtx, cancel := context.WithTimeout(e.baseCtx, e.sendTimeout)
			defer cancel()
			if err := transport.Send(sendCtx, msg, MessageMeta{}); err != nil {
				e.logger.Warn("failed to send debounced notification",
					slog.String("method", method),
					slog.String("err", err.Error()))
			}
		})
		return nil
	}

	return transport.Send(ctx, msg, MessageMeta{})
}

// Ping sends a ping request on the given transport and waits for the empty
// response. Every engine answers pings without a registered handler.
func (e *Engine) Ping(ctx context.Context, transport Transport) error {
	_, err := e.CallVia(ctx, transport, MethodPing, nil)
	return err
}

func (e *Engine) soleTransport() (Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transports.Len() > 1 {
		return nil, ErrAmbiguousTransport
	}
	for t := range e.transports {
		return t, nil
	}
	return nil, ErrNotConnected
}

// receive is the single entry point for every message a transport delivers.
// The transport argument is the captured instance registered in Connect.
func (e *Engine) receive(transport Transport, msg JSONRPCMessage, meta MessageMeta) {
	switch msg.Kind() {
	case KindRequest:
		e.dispatchRequest(transport, msg, meta)
	case KindResponse:
		e.dispatchResponse(transport, msg)
	case KindNotification:
		e.dispatchNotification(transport, msg, meta)
	default:
		e.logger.Warn("dropping invalid message",
			slog.String("sessionID", meta.SessionID),
			slog.Any("message", msg))
	}
}

func (e *Engine) dispatchRequest(transport Transport, msg JSONRPCMessage, meta MessageMeta) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	h, ok := e.handlers[msg.Method]
	if !ok && msg.Method == MethodPing {
		h = func(context.Context, Request, MessageMeta) (any, error) {
			return struct{}{}, nil
		}
		ok = true
	}
	if !ok {
		e.mu.Unlock()
		e.sendResponse(transport, NewErrorResponse(msg.ID, CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", msg.Method)), msg.ID)
		return
	}

	key := inflightKey{transport: transport, id: msg.ID}
	if _, exists := e.inflight[key]; exists {
		// A well-behaved peer never reuses an id while it is in flight;
		// honoring the duplicate would make the first handler uncancellable.
		e.mu.Unlock()
		e.logger.Warn("duplicate request id in flight",
			slog.String("id", string(msg.ID)),
			slog.String("method", msg.Method))
		e.sendResponse(transport, NewErrorResponse(msg.ID, CodeInvalidRequest,
			fmt.Sprintf("duplicate request id: %s", msg.ID)), msg.ID)
		return
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.inflight[key] = cancel

	req := Request{ID: msg.ID, Method: msg.Method, Params: msg.Params}
	e.tasks.Go(func() error {
		defer cancel()

		result, err := runHandler(ctx, h, req, meta)

		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()

		if ctx.Err() != nil {
			// The peer cancelled or the transport went away; nobody is
			// waiting for this response anymore.
			e.logger.Debug("dropping response for cancelled request",
				slog.String("id", string(msg.ID)))
			return nil
		}

		var rsp JSONRPCMessage
		if err != nil {
			rsp = errorResponse(msg.ID, err)
		} else {
			rsp, err = NewResponse(msg.ID, result)
			if err != nil {
				rsp = NewErrorResponse(msg.ID, CodeInternalError, err.Error())
			}
		}

		// Reply through the captured transport. Never through a transport
		// looked up at response time: another connection may have attached
		// since this request arrived.
		e.sendResponse(transport, rsp, msg.ID)
		return nil
	})
	e.mu.Unlock()
}

func (e *Engine) dispatchResponse(transport Transport, msg JSONRPCMessage) {
	e.mu.Lock()
	pc, ok := e.pending[msg.ID]
	if ok && pc.transport != transport {
		// A foreign id that happens to collide with a request issued on a
		// different connection; not ours to resolve.
		ok = false
	}
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("dropping response with unknown id", slog.String("id", string(msg.ID)))
		return
	}
	delete(e.pending, msg.ID)
	e.mu.Unlock()

	pc.result <- pendingResult{msg: msg}
}

func (e *Engine) dispatchNotification(transport Transport, msg JSONRPCMessage, meta MessageMeta) {
	if msg.Method == MethodCancelled {
		var params CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			e.logger.Warn("invalid cancellation params", slog.String("err", err.Error()))
			return
		}
		e.mu.Lock()
		cancel, ok := e.inflight[inflightKey{transport: transport, id: params.RequestID}]
		e.mu.Unlock()
		if ok {
			cancel()
		}
		return
	}

	e.mu.Lock()
	h, ok := e.notifHandlers[msg.Method]
	closed := e.closed
	e.mu.Unlock()
	if !ok || closed {
		return
	}

	notif := Notification{Method: msg.Method, Params: msg.Params}

	if e.debounceMethods.Has(msg.Method) {
		key := debounceKey{transport: transport, method: msg.Method, inbound: true}
		e.queueDebounced(key, msg, meta, func(msg JSONRPCMessage, meta MessageMeta) {
			h(e.baseCtx, Notification{Method: msg.Method, Params: msg.Params}, meta)
		})
		return
	}

	e.mu.Lock()
	if !e.closed {
		e.tasks.Go(func() error {
			h(e.baseCtx, notif, meta)
			return nil
		})
	}
	e.mu.Unlock()
}

// queueDebounced stores msg in the per-method latest slot and schedules a
// flush on the next scheduling opportunity. Messages queued before the flush
// runs overwrite the slot, so only the last one is emitted or delivered.
func (e *Engine) queueDebounced(key debounceKey, msg JSONRPCMessage, meta MessageMeta, flush func(JSONRPCMessage, MessageMeta)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if slot, ok := e.debounce[key]; ok {
		slot.msg, slot.meta = msg, meta
		return
	}
	e.debounce[key] = &debounceSlot{msg: msg, meta: meta}
	e.tasks.Go(func() error {
		e.mu.Lock()
		slot := e.debounce[key]
		delete(e.debounce, key)
		e.mu.Unlock()
		if slot != nil {
			flush(slot.msg, slot.meta)
		}
		return nil
	})
}

// transportClosed is the close callback registered in Connect. It detaches
// the transport, fails exactly the pending requests bound to it, and cancels
// the inbound handlers it delivered. Exchanges bound to other transports are
// untouched.
func (e *Engine) transportClosed(transport Transport) {
	e.mu.Lock()
	e.transports.Remove(transport)

	var failed []*pendingRequest
	for id, pc := range e.pending {
		if pc.transport == transport {
			delete(e.pending, id)
			failed = append(failed, pc)
		}
	}

	var cancels []context.CancelFunc
	for key, cancel := range e.inflight {
		if key.transport == transport {
			delete(e.inflight, key)
			cancels = append(cancels, cancel)
		}
	}
	e.mu.Unlock()

	for _, pc := range failed {
		pc.result <- pendingResult{err: ErrTransportClosed}
	}
	for _, cancel := range cancels {
		cancel()
	}
}

func (e *Engine) removePending(id MustString) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// notifyCancelled informs the peer that the request identified by id has been
// abandoned. Fire-and-forget: a failure is logged, never propagated.
func (e *Engine) notifyCancelled(transport Transport, id MustString, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	msg, err := NewNotification(MethodCancelled, CancelledParams{RequestID: id, Reason: reason})
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.tasks.Go(func() error {
		sendCtx, cancel := context.WithTimeout(e.baseCtx, e.sendTimeout)
		defer cancel()
		if err := transport.Send(sendCtx, msg, MessageMeta{RelatedRequestID: id}); err != nil {
			e.logger.Debug("failed to send cancellation notice",
				slog.String("id", string(id)),
				slog.String("err", err.Error()))
		}
		return nil
	})
	e.mu.Unlock()
}

func (e *Engine) sendResponse(transport Transport, rsp JSONRPCMessage, relatedID MustString) {
	sendCtx, cancel := context.WithTimeout(e.baseCtx, e.sendTimeout)
	defer cancel()
	if err := transport.Send(sendCtx, rsp, MessageMeta{RelatedRequestID: relatedID}); err != nil {
		// No automatic retry; replying again is a caller concern.
		e.logger.Warn("failed to send response",
			slog.String("id", string(relatedID)),
			slog.String("err", err.Error()))
	}
}

func (e *Engine) pingLoop(transport Transport) {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		attached := e.transports.Has(transport)
		e.mu.Unlock()
		if !attached {
			return
		}

		pingCtx, cancel := context.WithTimeout(e.baseCtx, e.pingInterval)
		err := e.Ping(pingCtx, transport)
		cancel()
		if err != nil {
			failures++
			e.logger.Warn("ping failed",
				slog.String("sessionID", transport.SessionID()),
				slog.Int("failures", failures),
				slog.String("err", err.Error()))
			if failures > e.pingThreshold {
				transport.Close()
				return
			}
			continue
		}
		failures = 0
	}
}

// errorResponse maps a handler error to an error response, honoring an
// explicit *JSONRPCError if the handler returned one.
func errorResponse(id MustString, err error) JSONRPCMessage {
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      id,
			Error:   rpcErr,
		}
	}
	return NewErrorResponse(id, CodeInternalError, err.Error())
}

// runHandler invokes h with panic recovery so a handler crash becomes an
// error response instead of tearing the engine down.
func runHandler(ctx context.Context, h Handler, req Request, meta MessageMeta) (result any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, req, meta)
}
