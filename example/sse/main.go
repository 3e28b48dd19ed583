// Command sse runs an SSE endpoint serving a small arithmetic API and
// connects a client engine to it over real HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	duplex "github.com/grimmerk/go-duplex"
)

func main() {
	const addr = "localhost:8072"

	sseServer := duplex.NewSSEServer("http://" + addr + "/message")

	mux := http.NewServeMux()
	mux.Handle("/connect", sseServer.HandleSSE())
	mux.Handle("/message", sseServer.HandleMessage())

	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	engine := duplex.NewEngine()
	defer engine.Close()

	engine.Handle("sum", func(_ context.Context, req duplex.Request, meta duplex.MessageMeta) (any, error) {
		var params struct {
			A, B int
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &duplex.JSONRPCError{Code: duplex.CodeInvalidParams, Message: err.Error()}
		}
		fmt.Printf("server: sum(%d, %d) for session %s\n", params.A, params.B, meta.SessionID)
		return params.A + params.B, nil
	})

	// Each connecting client surfaces as its own transport; attach every one
	// to the engine so responses go back on the connection that asked.
	go func() {
		for t := range sseServer.Transports() {
			if err := engine.Connect(t); err != nil {
				log.Printf("connect transport: %v", err)
			}
		}
	}()

	client := duplex.NewEngine()
	defer client.Close()

	clientTransport := duplex.NewSSEClient("http://"+addr+"/connect", nil)
	if err := client.Connect(clientTransport); err != nil {
		log.Fatalf("connect client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "sum", map[string]int{"A": 19, "B": 23})
	if err != nil {
		log.Fatalf("call: %v", err)
	}

	var sum int
	if err := json.Unmarshal(result, &sum); err != nil {
		log.Fatalf("unmarshal result: %v", err)
	}
	fmt.Printf("client: sum = %d\n", sum)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sseServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	httpServer.Shutdown(shutdownCtx)
}
