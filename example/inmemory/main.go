package main

import (
	"context"
	"fmt"
	"log"
	"time"

	transit "github.com/transit-rpc/transit"
	"github.com/transit-rpc/transit/broker"
	"github.com/transit-rpc/transit/envelope"
)

// Same wiring as the basic example, but over the in-memory broker: no
// RabbitMQ needed.
func main() {
	mem := broker.New()

	server := transit.NewServer("echo",
		transit.SetDialer(mem.Dialer()),
		transit.SetConcurrency(2),
	)
	server.RegisterHandler("echo", func(payload []byte, md envelope.Metadata) transit.Result {
		return transit.OKPayload(payload)
	})
	if err := server.Start(); err != nil {
		log.Fatal(err)
	}
	defer server.Shutdown()

	client := transit.NewClient("echo",
		transit.SetDialer(mem.Dialer()),
		transit.SetTimeout(time.Second),
	)
	if err := client.Start(); err != nil {
		log.Fatal(err)
	}
	defer client.Shutdown()

	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("message %d", i)
		out, err := client.CallUnwrap(context.Background(), "echo", []byte(msg))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("echoed: %s\n", out)
	}
}
