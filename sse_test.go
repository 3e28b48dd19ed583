package duplex_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	duplex "github.com/grimmerk/go-duplex"
)

// newSSEFixture wires an SSEServer into an httptest server and starts
// consuming its Transports iterator, forwarding each new transport on the
// returned channel. The cleanup shuts everything down.
func newSSEFixture(t *testing.T) (*httptest.Server, *duplex.SSEServer, <-chan duplex.Transport) {
	t.Helper()

	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)

	server := duplex.NewSSEServer(testServer.URL + "/message")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())

	transports := make(chan duplex.Transport, 10)
	go func() {
		defer close(transports)
		for tr := range server.Transports() {
			transports <- tr
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Logf("server forced to shutdown: %v", err)
			return
		}
		testServer.Close()
	})

	return testServer, server, transports
}

func TestSSEServerAndClient(t *testing.T) {
	testServer, _, transports := newSSEFixture(t)

	client := duplex.NewSSEClient(testServer.URL+"/connect", testServer.Client())

	clientReceived := make(chan duplex.JSONRPCMessage, 1)
	client.SetReceiveHandler(func(msg duplex.JSONRPCMessage, _ duplex.MessageMeta) {
		clientReceived <- msg
	})

	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	defer client.Close()

	var serverTransport duplex.Transport
	select {
	case serverTransport = <-transports:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server transport")
	}

	serverReceived := make(chan duplex.JSONRPCMessage, 1)
	serverTransport.SetReceiveHandler(func(msg duplex.JSONRPCMessage, _ duplex.MessageMeta) {
		serverReceived <- msg
	})
	if err := serverTransport.Start(); err != nil {
		t.Fatalf("failed to start server transport: %v", err)
	}
	defer serverTransport.Close()

	if client.SessionID() != serverTransport.SessionID() {
		t.Errorf("session mismatch: client %q, server %q",
			client.SessionID(), serverTransport.SessionID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Server to client over the event stream.
	serverMsg := duplex.JSONRPCMessage{
		JSONRPC: duplex.JSONRPCVersion,
		Method:  "test",
		Params:  json.RawMessage(`{"test": "hello"}`),
	}
	if err := serverTransport.Send(ctx, serverMsg, duplex.MessageMeta{}); err != nil {
		t.Fatalf("failed to send server message: %v", err)
	}

	select {
	case got := <-clientReceived:
		if got.Method != serverMsg.Method {
			t.Errorf("got method %q, want %q", got.Method, serverMsg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client to receive message")
	}

	// Client to server over the POST endpoint.
	clientMsg := duplex.JSONRPCMessage{
		JSONRPC: duplex.JSONRPCVersion,
		Method:  "response",
		Params:  json.RawMessage(`{"response": "world"}`),
	}
	if err := client.Send(ctx, clientMsg, duplex.MessageMeta{}); err != nil {
		t.Fatalf("failed to send client message: %v", err)
	}

	select {
	case got := <-serverReceived:
		if got.Method != clientMsg.Method {
			t.Errorf("got method %q, want %q", got.Method, clientMsg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server to receive message")
	}
}

func TestSSEServerMultipleClientIsolation(t *testing.T) {
	testServer, _, transports := newSSEFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type clientConn struct {
		client   *duplex.SSEClient
		received chan duplex.JSONRPCMessage
	}

	// Two clients, each paired with its own server transport; traffic for one
	// must never reach the other.
	clients := make(map[string]clientConn, 2)
	serverTransports := make([]duplex.Transport, 0, 2)

	for i := 0; i < 2; i++ {
		client := duplex.NewSSEClient(testServer.URL+"/connect", testServer.Client())
		received := make(chan duplex.JSONRPCMessage, 4)
		client.SetReceiveHandler(func(msg duplex.JSONRPCMessage, _ duplex.MessageMeta) {
			received <- msg
		})
		if err := client.Start(); err != nil {
			t.Fatalf("failed to start client %d: %v", i, err)
		}
		defer client.Close()

		var st duplex.Transport
		select {
		case st = <-transports:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for server transport %d", i)
		}
		if err := st.Start(); err != nil {
			t.Fatalf("failed to start server transport %d: %v", i, err)
		}
		defer st.Close()

		clients[st.SessionID()] = clientConn{client: client, received: received}
		serverTransports = append(serverTransports, st)
	}

	// Address each connected client by its own transport.
	for _, st := range serverTransports {
		msg := duplex.JSONRPCMessage{
			JSONRPC: duplex.JSONRPCVersion,
			Method:  "greet",
			Params:  json.RawMessage(`{"sessionID":"` + st.SessionID() + `"}`),
		}
		if err := st.Send(ctx, msg, duplex.MessageMeta{}); err != nil {
			t.Fatalf("failed to send to session %s: %v", st.SessionID(), err)
		}
	}

	for sessID, conn := range clients {
		select {
		case got := <-conn.received:
			var params struct {
				SessionID string `json:"sessionID"`
			}
			if err := json.Unmarshal(got.Params, &params); err != nil {
				t.Fatalf("failed to unmarshal params: %v", err)
			}
			if params.SessionID != sessID {
				t.Errorf("client of session %s received message for %s", sessID, params.SessionID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for message on session %s", sessID)
		}

		// Exactly one message per client.
		select {
		case got := <-conn.received:
			t.Errorf("unexpected extra message %q on session %s", got.Method, sessID)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestSSEPeerGone(t *testing.T) {
	testServer, _, transports := newSSEFixture(t)

	client := duplex.NewSSEClient(testServer.URL+"/connect", testServer.Client())
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}

	var serverTransport duplex.Transport
	select {
	case serverTransport = <-transports:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server transport")
	}

	closed := make(chan struct{})
	serverTransport.SetCloseHandler(func() {
		close(closed)
	})
	if err := serverTransport.Start(); err != nil {
		t.Fatalf("failed to start server transport: %v", err)
	}

	// The client dropping its event stream makes the server side peer-gone.
	client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server transport to notice peer loss")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg := duplex.JSONRPCMessage{JSONRPC: duplex.JSONRPCVersion, Method: "late"}
	if err := serverTransport.Send(ctx, msg, duplex.MessageMeta{}); !errors.Is(err, duplex.ErrPeerGone) {
		t.Errorf("got %v, want ErrPeerGone", err)
	}
}

func TestSSEAuthTokenPassThrough(t *testing.T) {
	testServer, _, transports := newSSEFixture(t)

	client := duplex.NewSSEClient(testServer.URL+"/connect", testServer.Client(),
		duplex.WithSSEClientAuthToken("sesame"))
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	defer client.Close()

	var serverTransport duplex.Transport
	select {
	case serverTransport = <-transports:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server transport")
	}

	metas := make(chan duplex.MessageMeta, 1)
	serverTransport.SetReceiveHandler(func(_ duplex.JSONRPCMessage, meta duplex.MessageMeta) {
		metas <- meta
	})
	if err := serverTransport.Start(); err != nil {
		t.Fatalf("failed to start server transport: %v", err)
	}
	defer serverTransport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := duplex.JSONRPCMessage{JSONRPC: duplex.JSONRPCVersion, Method: "secured"}
	if err := client.Send(ctx, msg, duplex.MessageMeta{}); err != nil {
		t.Fatalf("failed to send client message: %v", err)
	}

	select {
	case meta := <-metas:
		if meta.AuthToken != "sesame" {
			t.Errorf("got auth token %q, want %q", meta.AuthToken, "sesame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestSSEShutdownDuringHandshake(t *testing.T) {
	defer leaktest.Check(t)()

	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)
	defer testServer.Close()

	server := duplex.NewSSEServer(testServer.URL + "/message")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())

	// Nobody consumes Transports, so once the hand-off buffer fills, later
	// connections park waiting for a consumer that never comes.
	clients := make([]*duplex.SSEClient, 0, 6)
	for i := 0; i < 6; i++ {
		client := duplex.NewSSEClient(testServer.URL+"/connect", testServer.Client())
		if err := client.Start(); err != nil {
			t.Fatalf("failed to start client %d: %v", i, err)
		}
		clients = append(clients, client)
	}
	defer func() {
		for _, client := range clients {
			client.Close()
		}
		testServer.Client().CloseIdleConnections()
	}()

	// Without a Transports consumer the shutdown cannot complete gracefully;
	// it must still release every parked connection, send loops included.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Logf("shutdown without transports consumer: %v", err)
	}
}

func TestSSEConnectionNegativeCases(t *testing.T) {
	t.Run("Invalid Connection URL", func(t *testing.T) {
		client := duplex.NewSSEClient("http://non-existent-url-12345.local/connect", nil)
		if err := client.Start(); err == nil {
			t.Fatal("Expected an error when connecting to invalid URL, got nil")
		}
	})

	t.Run("Send Message Before Start", func(t *testing.T) {
		client := duplex.NewSSEClient("http://localhost:8080/connect", nil)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		msg := duplex.JSONRPCMessage{
			JSONRPC: duplex.JSONRPCVersion,
			Method:  "test",
			Params:  json.RawMessage(`{"test": "premature"}`),
		}

		if err := client.Send(ctx, msg, duplex.MessageMeta{}); !errors.Is(err, duplex.ErrNotConnected) {
			t.Errorf("got %v, want ErrNotConnected", err)
		}
	})

	t.Run("Invalid Message Format", func(t *testing.T) {
		testServer, _, _ := newSSEFixture(t)

		invalidMsg := []byte(`{invalid json}`)

		req, err := http.NewRequest(http.MethodPost,
			testServer.URL+"/message?sessionID=nope", bytes.NewBuffer(invalidMsg))
		if err != nil {
			t.Fatalf("Failed to create request: %v", err)
		}

		resp, err := testServer.Client().Do(req)
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("Missing Session ID", func(t *testing.T) {
		testServer, _, _ := newSSEFixture(t)

		body := bytes.NewBufferString(`{"jsonrpc":"2.0","method":"test"}`)
		resp, err := testServer.Client().Post(testServer.URL+"/message", "application/json", body)
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})
}

func TestSSELargeMessagePayload(t *testing.T) {
	testServer, _, transports := newSSEFixture(t)

	payloadSizes := []int{
		1 * 1024,   // 1 KB
		100 * 1024, // 100 KB
	}

	for _, size := range payloadSizes {
		t.Run(fmt.Sprintf("PayloadSize_%d", size), func(t *testing.T) {
			client := duplex.NewSSEClient(testServer.URL+"/connect", testServer.Client(),
				duplex.WithSSEClientMaxPayloadSize(1*1024*1024)) // 1 MB

			received := make(chan duplex.JSONRPCMessage, 1)
			client.SetReceiveHandler(func(msg duplex.JSONRPCMessage, _ duplex.MessageMeta) {
				received <- msg
			})

			if err := client.Start(); err != nil {
				t.Fatalf("failed to start client: %v", err)
			}
			defer client.Close()

			var serverTransport duplex.Transport
			select {
			case serverTransport = <-transports:
			case <-time.After(2 * time.Second):
				t.Fatal("timeout waiting for server transport")
			}
			if err := serverTransport.Start(); err != nil {
				t.Fatalf("failed to start server transport: %v", err)
			}
			defer serverTransport.Close()

			largeMsg := duplex.JSONRPCMessage{
				JSONRPC: duplex.JSONRPCVersion,
				Method:  "largePayload",
				Params:  generateRandomJSON(size),
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := serverTransport.Send(ctx, largeMsg, duplex.MessageMeta{}); err != nil {
				t.Fatalf("failed to send large message: %v", err)
			}

			select {
			case got := <-received:
				if got.Method != largeMsg.Method {
					t.Errorf("Incorrect method received. Got %s, want %s", got.Method, largeMsg.Method)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("Timeout waiting for large message of size %d", size)
			}
		})
	}
}
