// Command stdio demonstrates the newline-delimited stream transport. Two
// engines talk over a pair of in-process pipes framed exactly as they would be
// over a child process's stdin/stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	duplex "github.com/grimmerk/go-duplex"
)

func main() {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := duplex.NewStdIO(serverReader, serverWriter)
	clientTransport := duplex.NewStdIO(clientReader, clientWriter)

	server := duplex.NewEngine()
	client := duplex.NewEngine()
	defer server.Close()
	defer client.Close()

	server.Handle("text/upper", func(_ context.Context, req duplex.Request, _ duplex.MessageMeta) (any, error) {
		var params struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &duplex.JSONRPCError{Code: duplex.CodeInvalidParams, Message: err.Error()}
		}
		return strings.ToUpper(params.Text), nil
	})

	if err := server.Connect(serverTransport); err != nil {
		log.Fatalf("connect server: %v", err)
	}
	if err := client.Connect(clientTransport); err != nil {
		log.Fatalf("connect client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "text/upper", map[string]string{"text": "over the wire"})
	if err != nil {
		log.Fatalf("call: %v", err)
	}

	var upper string
	if err := json.Unmarshal(result, &upper); err != nil {
		log.Fatalf("unmarshal result: %v", err)
	}
	fmt.Println(upper)
}
