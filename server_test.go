package transit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transit-rpc/transit/broker"
	"github.com/transit-rpc/transit/envelope"
)

func TestConcurrencyBoundedByPrefetch(t *testing.T) {
	var active, peak, handled int32
	var mu sync.Mutex

	client, _, _ := startPair(t, "bounded", func(s *Server) {
		s.RegisterPushHandler("work", func(payload []byte, md envelope.Metadata) Result {
			n := atomic.AddInt32(&active, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			atomic.AddInt32(&handled, 1)
			return OK()
		})
	}, SetConcurrency(5))

	for i := 0; i < 20; i++ {
		if err := client.Push("work", nil); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&handled) < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 20 messages handled", handled)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 5 {
		t.Errorf("%d workers ran concurrently, prefetch allows 5", peak)
	}
	if peak == 0 {
		t.Error("no worker ever ran")
	}
}

func TestShutdownDrainsInFlightWorkers(t *testing.T) {
	var started, completed int32

	client, server, _ := startPair(t, "draining", func(s *Server) {
		s.RegisterPushHandler("slow", func(payload []byte, md envelope.Metadata) Result {
			atomic.AddInt32(&started, 1)
			time.Sleep(100 * time.Millisecond)
			atomic.AddInt32(&completed, 1)
			return OK()
		})
	})

	begin := time.Now()
	for i := 0; i < 3; i++ {
		if err := client.Push("slow", nil); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	// Wait until all three workers are in flight, then drain.
	for atomic.LoadInt32(&started) < 3 {
		if time.Since(begin) > time.Second {
			t.Fatalf("only %d workers started", started)
		}
		time.Sleep(5 * time.Millisecond)
	}

	server.Shutdown()

	if got := atomic.LoadInt32(&completed); got != 3 {
		t.Errorf("shutdown returned with %d of 3 workers incomplete", 3-got)
	}
	if elapsed := time.Since(begin); elapsed < 100*time.Millisecond {
		t.Errorf("shutdown finished in %s, before the 100ms workers could", elapsed)
	}
}

func TestCrashedHandlerRepliesReservedFrame(t *testing.T) {
	client, _, mem := startPair(t, "crashy", func(s *Server) {
		s.RegisterHandler("boom", func(payload []byte, md envelope.Metadata) Result {
			panic("handler exploded")
		})
	})

	_, err := client.Call(context.Background(), "boom", nil)
	if _, ok := err.(*ServiceError); !ok {
		t.Fatalf("expected *ServiceError, got %v", err)
	}

	// The delivery was still acknowledged despite the crash.
	deadline := time.Now().Add(time.Second)
	for mem.Unacked() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d deliveries left unacked", mem.Unacked())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCrashReplyOnTheWire(t *testing.T) {
	mem := broker.New()

	server := NewServer("wired",
		SetDialer(mem.Dialer()),
		SetError(func(string, ...interface{}) {}),
	)
	server.RegisterHandler("boom", func(payload []byte, md envelope.Metadata) Result {
		panic("no details for the peer")
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Shutdown()

	// Speak the wire protocol directly to observe the raw reply frame.
	conn, err := mem.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	replyQueue, err := ch.QueueDeclare("", false, true, true)
	if err != nil {
		t.Fatalf("declare reply queue: %v", err)
	}
	replies, err := ch.Consume(replyQueue, "probe", true)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	body, err := envelope.EncodeRequest("boom", nil, nil)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	err = ch.Publish("wired", broker.Publishing{
		Body:          body,
		CorrelationID: "probe-1",
		ReplyTo:       replyQueue,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case d := <-replies:
		if !envelope.IsFailureFrame(d.Body) {
			t.Fatalf("expected the reserved frame, got %s", d.Body)
		}
		if d.CorrelationID != "probe-1" {
			t.Errorf("reply lost its correlation id: %q", d.CorrelationID)
		}
		resp, err := envelope.DecodeResponse(d.Body)
		if err != nil {
			t.Fatalf("decode reserved frame: %v", err)
		}
		if len(resp.Entries) != 1 || !resp.Entries[0].Reason.Symbol ||
			resp.Entries[0].Reason.Value != envelope.FailureSymbol ||
			resp.Entries[0].Pointer != nil {
			t.Errorf("unexpected decoded entries: %+v", resp.Entries)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply for the crashed handler")
	}
}

func TestDurableDeclareFallsBack(t *testing.T) {
	mem := broker.New()

	// A leftover non-durable queue of the same name makes the durable
	// declare fail; the server must fall back instead of dying.
	conn, err := mem.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if _, err := ch.QueueDeclare("legacy", false, false, false); err != nil {
		t.Fatalf("predeclare: %v", err)
	}

	server := NewServer("legacy",
		SetDialer(mem.Dialer()),
		SetError(func(string, ...interface{}) {}),
	)
	server.RegisterHandler("echo", func(payload []byte, md envelope.Metadata) Result {
		return OKPayload(payload)
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Shutdown()

	client := NewClient("legacy",
		SetDialer(mem.Dialer()),
		SetTimeout(time.Second),
		SetError(func(string, ...interface{}) {}),
	)
	if err := client.Start(); err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer client.Shutdown()

	if _, err := client.CallUnwrap(context.Background(), "echo", []byte("hi")); err != nil {
		t.Fatalf("call against the fallback queue failed: %v", err)
	}
}

func TestServerReconnectsAndResumes(t *testing.T) {
	client, _, mem := startPair(t, "resilient", echoServer)

	if _, err := client.CallUnwrap(context.Background(), "echo", []byte("before")); err != nil {
		t.Fatalf("call before the drop failed: %v", err)
	}

	mem.KillConnections()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := client.CallUnwrap(context.Background(), "echo", []byte("after"),
			WithTimeout(100*time.Millisecond))
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never resumed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCrashDuringDrainStillCompletes(t *testing.T) {
	release := make(chan struct{})
	var started int32

	client, server, _ := startPair(t, "racy", func(s *Server) {
		s.RegisterPushHandler("fuse", func(payload []byte, md envelope.Metadata) Result {
			atomic.AddInt32(&started, 1)
			<-release
			panic("crash while draining")
		})
	})

	if err := client.Push("fuse", nil); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	for atomic.LoadInt32(&started) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		server.Shutdown()
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	close(release)

	// A worker that crashes mid-drain is a completed worker: its outcome
	// is one value, not two racing signals.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown hangs on a worker that crashed during drain")
	}
}
