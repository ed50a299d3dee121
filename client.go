package transit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/transit-rpc/transit/broker"
	"github.com/transit-rpc/transit/envelope"
)

type clientState int

const (
	clientConnecting clientState = iota
	clientReady
	clientReconnectPending
)

// Client is the calling side of the transport. One goroutine owns the
// connection, the private reply queue and the pending-responder table;
// callers talk to it through events only, so the table needs no lock.
type Client struct {
	name     string
	instance string
	cfg      config

	events  chan interface{}
	done    chan struct{}
	stopped chan struct{}
	ready   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   int32

	// loop-owned state
	state      clientState
	epoch      int
	conn       broker.Connection
	channel    broker.Channel
	replyQueue string
	pending    map[string]*responder
}

type responder struct {
	ch    chan callResult
	timer *time.Timer
}

type callResult struct {
	body []byte
	err  error
}

// channelSnapshot is the (channel, reply queue) pair handed to a caller.
// It goes stale on reconnect: publishing through a stale one fails.
type channelSnapshot struct {
	channel    broker.Channel
	replyQueue string
	err        error
}

type (
	evSnapshot struct {
		reply chan channelSnapshot
	}
	evRegister struct {
		id        string
		timeout   time.Duration
		responder chan callResult
		reply     chan error
	}
	evDeregister struct {
		id string
	}
	evDelivery struct {
		epoch    int
		delivery broker.Delivery
	}
	evExpire struct {
		id      string
		timeout time.Duration
	}
	evConnLost struct {
		epoch int
		err   error
	}
	evRetry    struct{}
	evPendings struct {
		reply chan int
	}
)

// NewClient creates a client for the logical server called name. Requests
// are published to the queue of that name.
func NewClient(name string, opts ...OptionsFunc) *Client {
	cfg := defaultConfig()
	for _, setter := range opts {
		setter(&cfg)
	}
	return &Client{
		name:     name,
		instance: instanceID(name),
		cfg:      cfg,
		events:   make(chan interface{}, 64),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
		pending:  make(map[string]*responder),
	}
}

// Start launches the connection actor and waits for the first connection
// attempt to settle. An unreachable broker is not an error: the actor
// retries at the configured interval indefinitely, and calls issued while
// disconnected fail with ConnectionError.
func (c *Client) Start() error {
	c.startOnce.Do(func() {
		atomic.StoreInt32(&c.started, 1)
		go c.run()
	})
	select {
	case <-c.ready:
	case <-c.stopped:
	}
	return nil
}

// Shutdown stops the actor. Callers still waiting are failed with
// ConnectionError.
func (c *Client) Shutdown() {
	c.startOnce.Do(func() {
		// Never started: nothing to tear down.
		close(c.stopped)
	})
	c.stopOnce.Do(func() {
		close(c.done)
	})
	<-c.stopped
}

func (c *Client) run() {
	defer close(c.stopped)

	c.state = clientConnecting
	if err := c.connect(); err != nil {
		c.cfg.errorf("connect to broker: %v", err)
		c.state = clientReconnectPending
		c.scheduleRetry()
	} else {
		c.state = clientReady
	}
	close(c.ready)

	for {
		select {
		case <-c.done:
			c.teardown()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Client) handle(ev interface{}) {
	switch ev := ev.(type) {
	case evSnapshot:
		if c.state != clientReady {
			ev.reply <- channelSnapshot{err: &ConnectionError{}}
			return
		}
		ev.reply <- channelSnapshot{channel: c.channel, replyQueue: c.replyQueue}

	case evRegister:
		r := &responder{ch: ev.responder}
		r.timer = time.AfterFunc(ev.timeout, func() {
			c.post(evExpire{id: ev.id, timeout: ev.timeout})
		})
		c.pending[ev.id] = r
		ev.reply <- nil

	case evDeregister:
		if r, ok := c.pending[ev.id]; ok {
			r.timer.Stop()
			delete(c.pending, ev.id)
		}

	case evDelivery:
		if ev.epoch != c.epoch {
			return
		}
		id := ev.delivery.CorrelationID
		r, ok := c.pending[id]
		if !ok {
			// Late or foreign response: the entry is gone, drop it.
			c.cfg.debug("dropping delivery with unknown correlation id %s", id)
			return
		}
		r.timer.Stop()
		delete(c.pending, id)
		r.ch <- callResult{body: ev.delivery.Body}

	case evExpire:
		r, ok := c.pending[ev.id]
		if !ok {
			return
		}
		delete(c.pending, ev.id)
		r.ch <- callResult{err: &TimeoutError{Duration: ev.timeout}}

	case evConnLost:
		if ev.epoch != c.epoch || c.state != clientReady {
			return
		}
		c.cfg.errorf("broker connection lost: %v", ev.err)
		c.closeConn()
		// Pending responders stay: their responses are unroutable now,
		// so they run into their own deadlines.
		c.state = clientReconnectPending
		c.scheduleRetry()

	case evRetry:
		c.state = clientConnecting
		if err := c.connect(); err != nil {
			c.cfg.errorf("reconnect to broker: %v", err)
			c.state = clientReconnectPending
			c.scheduleRetry()
			return
		}
		c.cfg.info("reconnected to broker")
		c.state = clientReady

	case evPendings:
		ev.reply <- len(c.pending)
	}
}

// connect establishes connection, channel and a fresh exclusive reply
// queue, and starts consuming from it. Loop-goroutine only.
func (c *Client) connect() error {
	conn, err := c.cfg.dial(c.cfg.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	replyQueue, err := ch.QueueDeclare("", false, true, true)
	if err != nil {
		conn.Close()
		return err
	}
	deliveries, err := ch.Consume(replyQueue, c.instance, true)
	if err != nil {
		conn.Close()
		return err
	}

	c.epoch++
	c.conn, c.channel, c.replyQueue = conn, ch, replyQueue
	c.cfg.debug("reply queue %s ready", replyQueue)

	epoch := c.epoch
	go c.forward(epoch, deliveries)
	go c.watch(epoch, conn)
	return nil
}

func (c *Client) forward(epoch int, in <-chan broker.Delivery) {
	for d := range in {
		c.post(evDelivery{epoch: epoch, delivery: d})
	}
}

func (c *Client) watch(epoch int, conn broker.Connection) {
	err := <-conn.NotifyClose(make(chan error, 1))
	c.post(evConnLost{epoch: epoch, err: err})
}

func (c *Client) scheduleRetry() {
	time.AfterFunc(c.cfg.backoff, func() {
		c.post(evRetry{})
	})
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn, c.channel, c.replyQueue = nil, nil, ""
	}
}

func (c *Client) teardown() {
	for id, r := range c.pending {
		r.timer.Stop()
		delete(c.pending, id)
		r.ch <- callResult{err: &ConnectionError{}}
	}
	c.closeConn()
}

// post delivers an event to the loop unless the client is stopped.
func (c *Client) post(ev interface{}) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

type callOptions struct {
	timeout  time.Duration
	metadata envelope.Metadata
}

// CallOption adjusts a single call or push.
type CallOption func(*callOptions)

// WithTimeout overrides the client's default call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithMetadata attaches caller metadata to the request envelope.
func WithMetadata(md envelope.Metadata) CallOption {
	return func(o *callOptions) { o.metadata = md }
}

// Call publishes a request for service and blocks until the matching
// response arrives or the timeout elapses. Business rejections come back as
// the Error variant of the response; infrastructure failures as a
// TransportError.
func (c *Client) Call(ctx context.Context, service string, payload []byte, opts ...CallOption) (*envelope.Response, error) {
	co := callOptions{timeout: c.cfg.timeout}
	for _, setter := range opts {
		setter(&co)
	}

	snap, err := c.snapshot()
	if err != nil {
		return nil, err
	}

	id := nextCorrelationID(c.instance)
	body, err := c.encodeRequest(service, payload, co.metadata)
	if err != nil {
		return nil, err
	}

	// Register before publish: a response must never arrive before the
	// responder exists to catch it.
	result := make(chan callResult, 1)
	if err := c.register(id, co.timeout, result); err != nil {
		return nil, err
	}

	c.cfg.debug("calling %s, correlation id %s", service, id)
	pub := broker.Publishing{
		Body:          body,
		CorrelationID: id,
		ReplyTo:       snap.replyQueue,
		Expiration:    strconv.FormatInt(int64(co.timeout/time.Millisecond), 10),
	}
	if err := snap.channel.Publish(c.name, pub); err != nil {
		c.post(evDeregister{id: id})
		return nil, &ConnectionError{Err: err}
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		if envelope.IsFailureFrame(res.body) {
			return nil, &ServiceError{}
		}
		return envelope.DecodeResponse(res.body)
	case <-ctx.Done():
		c.post(evDeregister{id: id})
		return nil, ctx.Err()
	}
}

// CallUnwrap is Call with the Ok variant unwrapped to its payload; the
// Error variant becomes a *CallError.
func (c *Client) CallUnwrap(ctx context.Context, service string, payload []byte, opts ...CallOption) ([]byte, error) {
	resp, err := c.Call(ctx, service, payload, opts...)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &CallError{Entries: resp.Entries}
	}
	return resp.Payload, nil
}

// Push publishes a one-way request: persistent, no reply queue, no
// correlation id, no response. Remote failures are invisible by design.
func (c *Client) Push(service string, payload []byte, opts ...CallOption) error {
	var co callOptions
	for _, setter := range opts {
		setter(&co)
	}

	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	body, err := c.encodeRequest(service, payload, co.metadata)
	if err != nil {
		return err
	}
	c.cfg.debug("pushing to %s", service)
	if err := snap.channel.Publish(c.name, broker.Publishing{Body: body, Persistent: true}); err != nil {
		return &ConnectionError{Err: err}
	}
	return nil
}

func (c *Client) encodeRequest(service string, payload []byte, md envelope.Metadata) ([]byte, error) {
	stamped := md.Merge(envelope.Metadata{
		MetaMessageID: uuid.New().String(),
		MetaSentAt:    time.Now().UTC().Format(time.RFC3339Nano),
	})
	return envelope.EncodeRequest(service, payload, stamped)
}

func (c *Client) snapshot() (channelSnapshot, error) {
	reply := make(chan channelSnapshot, 1)
	if err := c.send(evSnapshot{reply: reply}); err != nil {
		return channelSnapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, snap.err
	case <-c.stopped:
		return channelSnapshot{}, &ConnectionError{}
	}
}

func (c *Client) register(id string, timeout time.Duration, result chan callResult) error {
	reply := make(chan error, 1)
	if err := c.send(evRegister{id: id, timeout: timeout, responder: result, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.stopped:
		return &ConnectionError{}
	}
}

func (c *Client) send(ev interface{}) error {
	if atomic.LoadInt32(&c.started) == 0 {
		return &ConnectionError{}
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.stopped:
		return &ConnectionError{}
	}
}

// pendings reports the size of the responder table.
func (c *Client) pendings() int {
	reply := make(chan int, 1)
	if err := c.send(evPendings{reply: reply}); err != nil {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-c.stopped:
		return 0
	}
}
