package broker

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// MemoryBroker is an in-process broker with the same contract as the AMQP
// implementation: named queues, prefetch-gated delivery, per-delivery acks,
// exclusive queues that die with their connection. Tests and examples run
// against it without a broker instance.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	conns   []*memConn
	nameSeq int
	unacked int
}

type memQueue struct {
	name    string
	durable bool
	owner   *memConn // set for exclusive/auto-delete queues
	msgs    chan memMsg
}

type memMsg struct {
	body          []byte
	correlationID string
	replyTo       string
}

type memConn struct {
	broker *MemoryBroker

	mu       sync.Mutex
	closed   bool
	channels []*memChannel
	notify   []chan error
}

type memChannel struct {
	conn *memConn

	mu          sync.Mutex
	closed      bool
	prefetch    int
	done        chan struct{}
	outstanding map[int]outstandingMsg
	seq         int
}

type outstandingMsg struct {
	msg   memMsg
	queue string
}

var errChannelClosed = errors.New("memory broker: channel closed")

// New creates an empty in-memory broker.
func New() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memQueue)}
}

// Dialer returns a Dialer connecting to this broker. The url is ignored.
func (b *MemoryBroker) Dialer() Dialer {
	return func(string) (Connection, error) {
		return b.Connect()
	}
}

// Connect opens a new connection.
func (b *MemoryBroker) Connect() (Connection, error) {
	c := &memConn{broker: b}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

// KillConnections drops every live connection abnormally, as a broker
// restart would. Unacked deliveries are requeued, exclusive queues removed.
func (b *MemoryBroker) KillConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.teardown(errors.New("memory broker: connection dropped"))
	}
}

// Unacked reports the number of deliveries handed out and not yet settled.
func (b *MemoryBroker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unacked
}

func (b *MemoryBroker) declare(c *memConn, name string, durable, exclusive, autoDelete bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.nameSeq++
		name = fmt.Sprintf("amq.gen-%d", b.nameSeq)
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return "", errors.Errorf("PRECONDITION_FAILED - queue %q durable mismatch", name)
		}
		return name, nil
	}
	q := &memQueue{name: name, durable: durable, msgs: make(chan memMsg, 1024)}
	if exclusive || autoDelete {
		q.owner = c
	}
	b.queues[name] = q
	return name, nil
}

func (b *MemoryBroker) publish(key string, p Publishing) {
	b.mu.Lock()
	q, ok := b.queues[key]
	b.mu.Unlock()
	if !ok {
		// No queue bound to the key: dropped, as with a
		// non-mandatory publish.
		return
	}
	q.msgs <- memMsg{body: p.Body, correlationID: p.CorrelationID, replyTo: p.ReplyTo}
}

func (b *MemoryBroker) requeue(queue string, m memMsg) {
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if ok {
		q.msgs <- m
	}
}

func (b *MemoryBroker) dropOwned(c *memConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		if q.owner == c {
			delete(b.queues, name)
		}
	}
}

func (c *memConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("memory broker: connection closed")
	}
	ch := &memChannel{
		conn:        c,
		done:        make(chan struct{}),
		outstanding: make(map[int]outstandingMsg),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *memConn) NotifyClose(receiver chan error) chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *memConn) Close() error {
	c.teardown(nil)
	return nil
}

func (c *memConn) teardown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.channels = nil
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}
	c.broker.dropOwned(c)
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

func (ch *memChannel) QueueDeclare(name string, durable, exclusive, autoDelete bool) (string, error) {
	if ch.isClosed() {
		return "", errChannelClosed
	}
	return ch.conn.broker.declare(ch.conn, name, durable, exclusive, autoDelete)
}

func (ch *memChannel) Qos(prefetch int) error {
	if ch.isClosed() {
		return errChannelClosed
	}
	ch.mu.Lock()
	ch.prefetch = prefetch
	ch.mu.Unlock()
	return nil
}

func (ch *memChannel) Publish(key string, p Publishing) error {
	if ch.isClosed() {
		return errChannelClosed
	}
	ch.conn.broker.publish(key, p)
	return nil
}

func (ch *memChannel) Consume(queue, tag string, autoAck bool) (<-chan Delivery, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, errChannelClosed
	}
	prefetch := ch.prefetch
	done := ch.done
	ch.mu.Unlock()

	ch.conn.broker.mu.Lock()
	q, ok := ch.conn.broker.queues[queue]
	ch.conn.broker.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("memory broker: no queue %q", queue)
	}

	var slots chan struct{}
	if !autoAck && prefetch > 0 {
		slots = make(chan struct{}, prefetch)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			if slots != nil {
				select {
				case slots <- struct{}{}:
				case <-done:
					return
				}
			}
			var m memMsg
			select {
			case m = <-q.msgs:
			case <-done:
				return
			}
			d := Delivery{Body: m.body, CorrelationID: m.correlationID, ReplyTo: m.replyTo}
			if !autoAck {
				d.ack = ch.track(queue, m, slots)
			}
			select {
			case out <- d:
			case <-done:
				// Never delivered: put it back.
				ch.conn.broker.requeue(queue, m)
				return
			}
		}
	}()
	return out, nil
}

// track registers an unsettled delivery and returns its ack func.
func (ch *memChannel) track(queue string, m memMsg, slots chan struct{}) func() error {
	b := ch.conn.broker
	ch.mu.Lock()
	ch.seq++
	id := ch.seq
	ch.outstanding[id] = outstandingMsg{msg: m, queue: queue}
	ch.mu.Unlock()
	b.mu.Lock()
	b.unacked++
	b.mu.Unlock()

	return func() error {
		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			return errChannelClosed
		}
		if _, ok := ch.outstanding[id]; !ok {
			ch.mu.Unlock()
			return errors.New("memory broker: delivery already settled")
		}
		delete(ch.outstanding, id)
		ch.mu.Unlock()
		b.mu.Lock()
		b.unacked--
		b.mu.Unlock()
		if slots != nil {
			<-slots
		}
		return nil
	}
}

func (ch *memChannel) Close() error {
	ch.shutdown()
	return nil
}

// shutdown stops the consumers and requeues whatever was never settled.
func (ch *memChannel) shutdown() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	close(ch.done)
	pending := ch.outstanding
	ch.outstanding = make(map[int]outstandingMsg)
	ch.mu.Unlock()

	b := ch.conn.broker
	if len(pending) > 0 {
		b.mu.Lock()
		b.unacked -= len(pending)
		b.mu.Unlock()
	}
	for _, o := range pending {
		b.requeue(o.queue, o.msg)
	}
}

func (ch *memChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}
