// Command echo wires two engines together over an in-memory transport pair
// and runs a request/response exchange plus a notification through them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	duplex "github.com/grimmerk/go-duplex"
)

func main() {
	server := duplex.NewEngine()
	client := duplex.NewEngine()
	defer server.Close()
	defer client.Close()

	server.Handle("echo", func(_ context.Context, req duplex.Request, meta duplex.MessageMeta) (any, error) {
		fmt.Printf("server: echo request on session %s\n", meta.SessionID)
		var params map[string]string
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &duplex.JSONRPCError{Code: duplex.CodeInvalidParams, Message: err.Error()}
		}
		return params, nil
	})
	server.HandleNotification("notifications/log", func(_ context.Context, notif duplex.Notification, _ duplex.MessageMeta) {
		fmt.Printf("server: log notification: %s\n", notif.Params)
	})

	a, b := duplex.NewInMemoryTransports()
	if err := server.Connect(b); err != nil {
		log.Fatalf("connect server: %v", err)
	}
	if err := client.Connect(a); err != nil {
		log.Fatalf("connect client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "echo", map[string]string{"greeting": "hello"})
	if err != nil {
		log.Fatalf("call: %v", err)
	}
	fmt.Printf("client: echo result: %s\n", result)

	if err := client.Notify(ctx, "notifications/log", map[string]string{"level": "info", "msg": "done"}); err != nil {
		log.Fatalf("notify: %v", err)
	}

	if err := client.Ping(ctx, a); err != nil {
		log.Fatalf("ping: %v", err)
	}
	fmt.Println("client: ping ok")
}
