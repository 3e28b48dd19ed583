package duplex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer is a framework-agnostic Server-Sent Events endpoint that serves
// many concurrent remote peers from one process. Server-to-client traffic
// flows over a per-client SSE stream and client-to-server traffic arrives on
// a shared HTTP POST endpoint, demultiplexed by session ID.
//
// Each connected client surfaces as its own Transport through the Transports
// iterator, so an Engine attached to several clients binds every inbound
// request to the one connection that delivered it. A reply addressed to a
// client whose event stream has since closed fails with ErrPeerGone; it is
// never delivered to a different peer.
//
// Instances should be created using NewSSEServer and shut down using Shutdown
// when no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	transports       chan *SSEServerTransport
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

type sseSessionMessage struct {
	sessID    string
	msg       JSONRPCMessage
	authToken string
	decodeErr error
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// WithSSEServerLogger sets the logger used by the server and the transports
// it creates.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// NewSSEServer creates an SSE server whose clients submit messages by POSTing
// to messageURL. The returned server is operational immediately; route its
// HandleSSE and HandleMessage handlers and consume Transports.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		transports:       make(chan *SSEServerTransport, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Transports returns an iterator yielding one Transport per connecting
// client. The iterator also routes submitted messages to the transport whose
// session they address, so it must be consumed for the server to operate. It
// exits when Shutdown is called.
func (s *SSEServer) Transports() iter.Seq[Transport] {
	return func(yield func(Transport) bool) {
		defer close(s.closed)

		// Track live transports for lookup when a POST arrives.
		transportsMap := make(map[string]*SSEServerTransport)

		for {
			select {
			case <-s.done:
				return
			case t := <-s.transports:
				transportsMap[t.id] = t
				if !yield(t) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(transportsMap, sessID)
			case msg := <-s.receivedMessages:
				t, ok := transportsMap[msg.sessID]
				if !ok {
					// The session may already be closed; drop the message.
					continue
				}
				if msg.decodeErr != nil {
					t.reportError(msg.decodeErr)
					continue
				}
				if err := t.deliver(msg.msg, msg.authToken); err != nil {
					s.logger.Warn("failed to deliver message",
						slog.String("sessionID", msg.sessID),
						slog.String("err", err.Error()))
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the server. Transports already handed out
// are not closed here; their owner closes them.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for establishing SSE connections over GET
// requests. Each connection is upgraded, assigned a unique session ID, told
// its message endpoint via an "endpoint" event, and surfaced as a Transport
// on the Transports iterator. The connection remains open until either side
// closes it.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Hand the client the URL it must POST its messages to.
		url := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(url)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE URL: %w", err)
			s.logger.Error("failed to write SSE URL", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		t := &SSEServerTransport{
			id:         sessID,
			sess:       sess,
			logger:     s.logger,
			sendMsgs:   make(chan sseServerSendMsg, 5),
			inbox:      make(chan sseInbound, 5),
			done:       make(chan struct{}),
			sendClosed: make(chan struct{}),
		}

		go t.processSendMessages()

		select {
		case s.transports <- t:
		case <-s.done:
			// The server is shutting down before anyone could take ownership
			// of this transport; close it here or its send loop leaks.
			t.Close()
			return
		}

		// Keep the connection open until the transport closes or the client
		// drops the stream.
		select {
		case <-t.done:
		case <-r.Context().Done():
			t.closePeerGone()
		case <-s.done:
			t.Close()
		}

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for the shared POST endpoint. It
// expects a sessionID query parameter and a JSON-encoded message body; valid
// messages are routed to the Transport of that session. An Authorization
// bearer token, if present, is carried opaquely into the message metadata.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := errors.New("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		authToken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		decoder := json.NewDecoder(r.Body)
		var msg JSONRPCMessage

		if err := decoder.Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			// Report through the session's error handler as well, so the
			// engine side observes the parse failure.
			select {
			case <-s.done:
			case s.receivedMessages <- sseSessionMessage{sessID: sessID, decodeErr: nErr}:
			}
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg, authToken: authToken}:
		}
	})
}

// SSEServerTransport is the server-side Transport for one connected SSE
// client. Instances are created by SSEServer and consumed from its Transports
// iterator.
type SSEServerTransport struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	closed    bool
	peerGone  bool
	buffer    []sseInbound
	custom    any
	onMessage ReceiveHandler
	onClose   func()
	onError   func(error)

	sendMsgs   chan sseServerSendMsg
	inbox      chan sseInbound
	done       chan struct{}
	sendClosed chan struct{}
}

type sseInbound struct {
	msg       JSONRPCMessage
	authToken string
}

type sseServerSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// Start begins delivering inbound messages to the receive handler, beginning
// with any messages buffered before the call.
func (t *SSEServerTransport) Start() error {
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

// Send streams msg to the client as an SSE "message" event. It fails with
// ErrPeerGone when the client's event stream has closed, and never delivers
// to a different peer.
func (t *SSEServerTransport) Send(ctx context.Context, msg JSONRPCMessage, _ MessageMeta) error {
	if err := t.sendErr(); err != nil {
		return err
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message so sends are serialized on the SSE session.
	select {
	case t.sendMsgs <- sseServerSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.sendErr()
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.sendErr()
	}
}

// Close closes the transport, releasing the underlying event stream, and
// invokes the close handler exactly once. It is safe to call multiple times.
func (t *SSEServerTransport) Close() error {
	t.close(false)
	return nil
}

// SessionID returns the session identifier assigned when the client
// connected. Clients POST their messages with this ID.
func (t *SSEServerTransport) SessionID() string { return t.id }

// SetReceiveHandler registers the callback for inbound messages. It must be
// called before Start.
func (t *SSEServerTransport) SetReceiveHandler(h ReceiveHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}

// SetCloseHandler registers the callback invoked once when the transport
// closes, by either endpoint.
func (t *SSEServerTransport) SetCloseHandler(h func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = h
}

// SetErrorHandler registers the callback for non-fatal errors such as a POST
// body that failed to decode.
func (t *SSEServerTransport) SetErrorHandler(h func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = h
}

// SetCustomContext stores the connection-scoped context merged into the
// metadata of every message this transport delivers.
func (t *SSEServerTransport) SetCustomContext(v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.custom = v
}

func (t *SSEServerTransport) sendErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.peerGone:
		return ErrPeerGone
	case t.closed:
		return ErrTransportClosed
	case !t.started:
		return ErrNotConnected
	default:
		return nil
	}
}

// closePeerGone records that the remote client dropped its event stream
// before closing, so later sends report ErrPeerGone instead of
// ErrTransportClosed.
func (t *SSEServerTransport) closePeerGone() {
	t.close(true)
}

func (t *SSEServerTransport) close(peerGone bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.peerGone = peerGone
	onClose := t.onClose
	close(t.done)
	t.mu.Unlock()

	<-t.sendClosed
	if onClose != nil {
		onClose()
	}
}

func (t *SSEServerTransport) deliver(msg JSONRPCMessage, authToken string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if !t.started {
		t.buffer = append(t.buffer, sseInbound{msg: msg, authToken: authToken})
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	select {
	case t.inbox <- sseInbound{msg: msg, authToken: authToken}:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

func (t *SSEServerTransport) dispatchLoop(buffered []sseInbound) {
	for _, in := range buffered {
		t.dispatch(in)
	}
	for {
		select {
		case <-t.done:
			return
		case in := <-t.inbox:
			t.dispatch(in)
		}
	}
}

func (t *SSEServerTransport) dispatch(in sseInbound) {
	t.mu.Lock()
	h := t.onMessage
	meta := MessageMeta{
		SessionID: t.id,
		AuthToken: in.authToken,
		Custom:    t.custom,
	}
	t.mu.Unlock()

	if h != nil {
		h(in.msg, meta)
	}
}

func (t *SSEServerTransport) reportError(err error) {
	t.mu.Lock()
	h := t.onError
	t.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (t *SSEServerTransport) processSendMessages() {
	defer close(t.sendClosed)

	for {
		select {
		case sm := <-t.sendMsgs:
			// Send and flush the message to the client.
			if err := t.sess.Send(sm.msg); err != nil {
				t.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := t.sess.Flush(); err != nil {
				t.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-t.done:
			return
		}
	}
}

// SSEClient is the client-side Transport for an SSEServer. Server-to-client
// messages arrive on the SSE stream; client-to-server messages are POSTed to
// the endpoint the server announces when the stream opens.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	authToken      string
	maxPayloadSize int

	mu         sync.Mutex
	started    bool
	closed     bool
	custom     any
	onMessage  ReceiveHandler
	onClose    func()
	onError    func(error)
	messageURL string
	sessionID  string

	endpointReady chan struct{}
	cancelConn    context.CancelFunc
	done          chan struct{}
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can
// be received from the server. If the payload size exceeds this limit, the
// error will be logged and the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientAuthToken sets an opaque bearer token attached to the connect
// request and to every message submission.
func WithSSEClientAuthToken(token string) SSEClientOption {
	return func(s *SSEClient) {
		s.authToken = token
	}
}

// WithSSEClientLogger sets the logger used for stream diagnostics.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// NewSSEClient creates an SSE client that connects to the specified
// connectURL. The optional httpClient parameter allows custom HTTP client
// configuration; if nil, the default HTTP client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL:    connectURL,
		httpClient:    cli,
		logger:        slog.Default(),
		sessionID:     uuid.New().String(),
		endpointReady: make(chan struct{}),
		done:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Start establishes the SSE connection and blocks until the server has
// announced the message endpoint, so a subsequent Send has somewhere to go.
func (s *SSEClient) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelConn = cancel
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	go s.listenSSEMessages(resp.Body)

	select {
	case <-s.endpointReady:
		return nil
	case <-s.done:
		return ErrTransportClosed
	}
}

// Send submits msg to the server through an HTTP POST request to the endpoint
// announced by the server.
func (s *SSEClient) Send(ctx context.Context, msg JSONRPCMessage, _ MessageMeta) error {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if !started {
		return ErrNotConnected
	}

	select {
	case <-s.endpointReady:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrTransportClosed
	}

	s.mu.Lock()
	messageURL := s.messageURL
	s.mu.Unlock()

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	r := bytes.NewReader(msgBs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Close drops the event stream and invokes the close handler exactly once. It
// is safe to call multiple times.
func (s *SSEClient) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancelConn
	onClose := s.onClose
	close(s.done)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if onClose != nil {
		onClose()
	}
	return nil
}

// SessionID returns the session identifier for this connection. Once the
// server has announced the message endpoint, this matches the server-side
// session ID.
func (s *SSEClient) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetReceiveHandler registers the callback for messages streamed by the
// server. It must be called before Start.
func (s *SSEClient) SetReceiveHandler(h ReceiveHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = h
}

// SetCloseHandler registers the callback invoked once when the transport
// closes, locally or because the stream ended.
func (s *SSEClient) SetCloseHandler(h func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = h
}

// SetErrorHandler registers the callback for events that fail to decode. The
// stream continues after reporting.
func (s *SSEClient) SetErrorHandler(h func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = h
}

// SetCustomContext stores the connection-scoped context merged into the
// metadata of every message this transport delivers.
func (s *SSEClient) SetCustomContext(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom = v
}

func (s *SSEClient) listenSSEMessages(body io.ReadCloser) {
	defer func() {
		body.Close()
		// The stream ended; close on the server's behalf if the caller has
		// not already done so.
		go s.Close()
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// Validate and parse the endpoint URL to ensure messages are
			// routed to the destination this server intended.
			u, err := url.Parse(ev.Data)
			if err != nil {
				s.reportError(fmt.Errorf("parse endpoint URL: %w", err))
				return
			}
			if u.String() == "" {
				s.reportError(errors.New("empty endpoint URL"))
				return
			}
			s.mu.Lock()
			s.messageURL = u.String()
			if sessID := u.Query().Get("sessionID"); sessID != "" {
				s.sessionID = sessID
			}
			s.mu.Unlock()
			close(s.endpointReady)
		case "message":
			// Refuse messages until the endpoint URL is known; the session
			// is not fully established before that.
			s.mu.Lock()
			ready := s.messageURL != ""
			h := s.onMessage
			meta := MessageMeta{
				SessionID: s.sessionID,
				Custom:    s.custom,
			}
			s.mu.Unlock()
			if !ready {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.reportError(fmt.Errorf("failed to unmarshal message: %w", err))
				continue
			}

			if h != nil {
				h(msg, meta)
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}

func (s *SSEClient) reportError(err error) {
	s.mu.Lock()
	h := s.onError
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}
