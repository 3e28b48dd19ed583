package duplex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements the Transport contract over an io.Reader/io.Writer pair
// using newline-delimited JSON framing, suitable for stdin/stdout style
// process pipes. Data is read in arbitrary chunks and reassembled into lines;
// each complete line is decoded independently, so one malformed line is
// reported through the error handler without discarding the rest of the
// stream. Writes are serialized through an internal queue so concurrent sends
// never interleave mid-line.
//
// Proper initialization requires using the NewStdIO constructor. Resources
// must be released by calling Close when the instance is no longer needed.
type StdIO struct {
	reader    io.Reader
	writer    io.Writer
	logger    *slog.Logger
	sessionID string

	mu        sync.Mutex
	started   bool
	closed    bool
	custom    any
	onMessage ReceiveHandler
	onClose   func()
	onError   func(error)

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

// WithStdIOLogger sets the logger used for read/write loop diagnostics.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// NewStdIO creates a new StdIO transport reading from reader and writing to
// writer. Register handlers with the Set... methods, then call Start.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		sessionID:     uuid.New().String(),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start spawns the read and write loops. It fails with ErrAlreadyStarted when
// called twice.
func (s *StdIO) Start() error {
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
	s.mu.Unlock()

	go s.processReadMessages()
	go s.processWriteMessages()
	return nil
}

// Send serializes msg as one line and queues it for writing. The metadata
// argument is accepted for interface conformance; a single-peer stream has no
// output channel to select.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage, _ MessageMeta) error {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if !started {
		return ErrNotConnected
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so concurrent sends cannot interleave mid-line.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrTransportClosed
	case s.writeMessages <- ioMsg:
	}

	// Wait for the write loop to report the result.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrTransportClosed
	}
}

// Close stops the read and write loops and invokes the close handler exactly
// once. It is safe to call multiple times.
func (s *StdIO) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	onClose := s.onClose
	close(s.done)
	s.mu.Unlock()

	if started {
		<-s.readClosed
		<-s.writeClosed
	}
	if onClose != nil {
		onClose()
	}
	return nil
}

// SessionID returns the stable identifier of this transport.
func (s *StdIO) SessionID() string { return s.sessionID }

// SetReceiveHandler registers the callback for decoded inbound messages. It
// must be called before Start.
func (s *StdIO) SetReceiveHandler(h ReceiveHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = h
}

// SetCloseHandler registers the callback invoked once when the transport
// closes, whether locally via Close or because the stream reached EOF.
func (s *StdIO) SetCloseHandler(h func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = h
}

// SetErrorHandler registers the callback invoked for lines that fail to
// decode. The receive loop continues after reporting.
func (s *StdIO) SetErrorHandler(h func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = h
}

// SetCustomContext stores the connection-scoped context merged into the
// metadata of every subsequently delivered message.
func (s *StdIO) SetCustomContext(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom = v
}

func (s *StdIO) processReadMessages() {
	defer close(s.readClosed)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Read on a separate goroutine so a slow reader cannot block the
		// done channel.
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{err: err}
				return
			}
			lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
		}()

		var lwe lineWithErr
		select {
		case <-s.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) {
				s.logger.Error("failed to read message", "err", lwe.err)
				s.reportError(fmt.Errorf("failed to read message: %w", lwe.err))
			}
			// The peer end of the stream is gone; close on its behalf.
			go s.Close()
			return
		}

		if lwe.line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
			// One corrupt line must not block subsequent ones.
			s.reportError(fmt.Errorf("failed to unmarshal message: %w", err))
			continue
		}

		s.mu.Lock()
		h := s.onMessage
		meta := MessageMeta{
			SessionID: s.sessionID,
			Custom:    s.custom,
		}
		s.mu.Unlock()

		if h != nil {
			h(msg, meta)
		}
	}
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process the write queue until the transport is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

func (s *StdIO) reportError(err error) {
	s.mu.Lock()
	h := s.onError
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}
