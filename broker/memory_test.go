package broker

import (
	"testing"
	"time"
)

func TestMemoryPrefetchGatesDeliveries(t *testing.T) {
	b := New()
	conn, err := b.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if _, err := ch.QueueDeclare("q", true, false, false); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := ch.Qos(2); err != nil {
		t.Fatalf("qos: %v", err)
	}
	deliveries, err := ch.Consume("q", "c", false)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := ch.Publish("q", Publishing{Body: []byte{byte(i)}}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var held []Delivery
	for i := 0; i < 2; i++ {
		select {
		case d := <-deliveries:
			held = append(held, d)
		case <-time.After(time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}

	// The third delivery is withheld until one of the two is acked.
	select {
	case <-deliveries:
		t.Fatal("prefetch 2 exceeded")
	case <-time.After(50 * time.Millisecond):
	}

	if err := held[0].Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	select {
	case <-deliveries:
	case <-time.After(time.Second):
		t.Fatal("ack did not release a delivery slot")
	}
}

func TestMemoryDurableMismatch(t *testing.T) {
	b := New()
	conn, _ := b.Connect()
	defer conn.Close()
	ch, _ := conn.Channel()

	if _, err := ch.QueueDeclare("q", false, false, false); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if _, err := ch.QueueDeclare("q", true, false, false); err == nil {
		t.Fatal("redeclare with a different durable flag must fail")
	}
	if _, err := ch.QueueDeclare("q", false, false, false); err != nil {
		t.Fatalf("matching redeclare failed: %v", err)
	}
}

func TestMemoryKillRequeuesUnacked(t *testing.T) {
	b := New()
	conn, _ := b.Connect()
	ch, _ := conn.Channel()
	ch.QueueDeclare("q", true, false, false)
	deliveries, err := ch.Consume("q", "c", false)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	ch.Publish("q", Publishing{Body: []byte("m")})

	d := <-deliveries
	b.KillConnections()

	if err := d.Ack(); err == nil {
		t.Error("ack against a dead channel must fail")
	}

	// The unsettled message is available to a fresh connection.
	conn2, _ := b.Connect()
	defer conn2.Close()
	ch2, _ := conn2.Channel()
	deliveries2, err := ch2.Consume("q", "c2", false)
	if err != nil {
		t.Fatalf("consume after kill: %v", err)
	}
	select {
	case d2 := <-deliveries2:
		if string(d2.Body) != "m" {
			t.Errorf("unexpected body: %s", d2.Body)
		}
		d2.Ack()
	case <-time.After(time.Second):
		t.Fatal("unacked message was not requeued")
	}
}

func TestMemoryExclusiveQueueDiesWithConnection(t *testing.T) {
	b := New()
	conn, _ := b.Connect()
	ch, _ := conn.Channel()
	name, err := ch.QueueDeclare("", false, true, true)
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if name == "" {
		t.Fatal("expected a generated queue name")
	}
	conn.Close()

	conn2, _ := b.Connect()
	defer conn2.Close()
	ch2, _ := conn2.Channel()
	if _, err := ch2.Consume(name, "c", true); err == nil {
		t.Error("consuming a dead exclusive queue must fail")
	}
}
