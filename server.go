package transit

import (
	"sync"
	"time"

	"github.com/transit-rpc/transit/broker"
	"github.com/transit-rpc/transit/envelope"
)

type serverState int

const (
	serverConnecting serverState = iota
	serverListening
	serverDraining
	serverStopped
)

// Server is the listening side of the transport. One goroutine owns the
// connection, the queue and the active-worker set; each delivery runs in
// its own worker goroutine whose outcome comes back to the loop as a value.
// Effective parallelism is bounded by broker prefetch: a delivery is acked
// only after its worker finishes.
type Server struct {
	name     string
	instance string
	cfg      config
	proc     *processor

	events  chan interface{}
	done    chan struct{}
	stopped chan struct{}
	ready   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// loop-owned state
	state   serverState
	epoch   int
	conn    broker.Connection
	channel broker.Channel
	active  int
}

type (
	svDelivery struct {
		epoch    int
		delivery broker.Delivery
	}
	svOutcome struct {
		epoch    int
		delivery broker.Delivery
		reply    []byte
		failed   bool
	}
	svConnLost struct {
		epoch int
		err   error
	}
	svRetry struct{}
)

// NewServer creates a server consuming the queue called name.
func NewServer(name string, opts ...OptionsFunc) *Server {
	cfg := defaultConfig()
	for _, setter := range opts {
		setter(&cfg)
	}
	return &Server{
		name:     name,
		instance: instanceID(name),
		cfg:      cfg,
		proc:     newProcessor(&cfg),
		events:   make(chan interface{}, 64),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}
}

// RegisterHandler binds a Call endpoint: the handler's result is encoded
// and published to the caller's reply queue. Must be called before Start.
func (s *Server) RegisterHandler(service string, h HandlerFunc, opts ...EndpointOption) {
	s.cfg.debug("registering handler for %s", service)
	e := &endpoint{service: service, handler: h, hasResponse: true}
	for _, setter := range opts {
		setter(e)
	}
	s.proc.bind(e)
}

// RegisterPushHandler binds a Push endpoint: the handler's result is
// discarded and no reply is ever published. Must be called before Start.
func (s *Server) RegisterPushHandler(service string, h HandlerFunc) {
	s.cfg.debug("registering push handler for %s", service)
	s.proc.bind(&endpoint{service: service, handler: h})
}

// Start launches the listener actor and waits for the first connection
// attempt to settle. An unreachable broker is not an error: the actor
// retries at the configured interval indefinitely.
func (s *Server) Start() error {
	s.startOnce.Do(func() {
		go s.run()
	})
	select {
	case <-s.ready:
	case <-s.stopped:
	}
	return nil
}

// Shutdown drains the server: no new deliveries are processed, every
// in-flight worker is allowed to finish and settle its delivery. Blocks
// until the active set is empty.
func (s *Server) Shutdown() {
	s.startOnce.Do(func() {
		// Never started: nothing to drain.
		close(s.stopped)
	})
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.stopped
}

func (s *Server) run() {
	defer close(s.stopped)

	s.state = serverConnecting
	if err := s.connect(); err != nil {
		s.cfg.errorf("connect to broker: %v", err)
		s.state = serverConnecting
		s.scheduleRetry()
	} else {
		s.state = serverListening
	}
	close(s.ready)

	drain := s.done
	for {
		select {
		case <-drain:
			drain = nil
			s.cfg.info("draining, %d worker(s) in flight", s.active)
			s.state = serverDraining
			if s.active == 0 {
				s.finish()
				return
			}
		case ev := <-s.events:
			if s.handle(ev); s.state == serverStopped {
				return
			}
		}
	}
}

func (s *Server) handle(ev interface{}) {
	switch ev := ev.(type) {
	case svDelivery:
		if ev.epoch != s.epoch || s.state != serverListening {
			// Draining or stale: leave it unacked for redelivery.
			return
		}
		s.active++
		go s.worker(ev.epoch, ev.delivery)

	case svOutcome:
		if ev.epoch != s.epoch {
			// The channel this delivery arrived on is gone; its ack
			// context is meaningless.
			return
		}
		s.active--
		s.settle(ev)
		if s.state == serverDraining && s.active == 0 {
			s.finish()
		}

	case svConnLost:
		if ev.epoch != s.epoch || s.state == serverDraining {
			return
		}
		s.cfg.errorf("broker connection lost: %v", ev.err)
		// Workers bound to the dead channel are abandoned: their
		// outcomes carry a stale epoch and get discarded.
		s.epoch++
		s.active = 0
		s.closeConn()
		s.state = serverConnecting
		s.scheduleRetry()

	case svRetry:
		if s.state != serverConnecting {
			return
		}
		if err := s.connect(); err != nil {
			s.cfg.errorf("reconnect to broker: %v", err)
			s.scheduleRetry()
			return
		}
		s.cfg.info("listening again after reconnect")
		s.state = serverListening
	}
}

// worker processes one delivery. Failures never escape: a panic or
// processing error becomes a failed outcome for the monitor to absorb.
func (s *Server) worker(epoch int, d broker.Delivery) {
	out := svOutcome{epoch: epoch, delivery: d}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.cfg.errorf("handler crashed: %v", r)
				out.failed = true
			}
		}()
		reply, err := s.proc.process(d.Body)
		if err != nil {
			s.cfg.errorf("processing failed: %v", err)
			out.failed = true
			return
		}
		out.reply = reply
	}()

	s.post(out)
}

// settle publishes the reply, if any is due, and acks the delivery exactly
// once regardless of outcome. Loop-goroutine only.
func (s *Server) settle(out svOutcome) {
	replyTo := out.delivery.ReplyTo
	if replyTo != "" {
		body := out.reply
		if out.failed {
			// The crash detail stays in the local log; only the
			// reserved frame crosses the wire.
			body = envelope.FailureFrame()
		}
		if body != nil {
			pub := broker.Publishing{
				Body:          body,
				CorrelationID: out.delivery.CorrelationID,
			}
			if err := s.channel.Publish(replyTo, pub); err != nil {
				s.cfg.errorf("publish reply to %s: %v", replyTo, err)
			}
		}
	}
	if err := out.delivery.Ack(); err != nil {
		s.cfg.errorf("ack delivery: %v", err)
	}
}

func (s *Server) connect() error {
	conn, err := s.cfg.dial(s.cfg.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := ch.QueueDeclare(s.name, true, false, false); err != nil {
		// Compat shim: a pre-existing non-durable queue of the same
		// name fails the durable redeclare. Retry non-durable on a
		// fresh channel, the failed one is unusable.
		s.cfg.info("durable declare of %s failed (%v), retrying non-durable", s.name, err)
		ch.Close()
		if ch, err = conn.Channel(); err != nil {
			conn.Close()
			return err
		}
		if _, err := ch.QueueDeclare(s.name, false, false, false); err != nil {
			conn.Close()
			return err
		}
	}
	if err := ch.Qos(s.cfg.concurrency); err != nil {
		conn.Close()
		return err
	}
	deliveries, err := ch.Consume(s.name, s.instance, false)
	if err != nil {
		conn.Close()
		return err
	}

	s.epoch++
	s.conn, s.channel = conn, ch
	s.cfg.debug("consuming %s with prefetch %d", s.name, s.cfg.concurrency)

	epoch := s.epoch
	go s.forward(epoch, deliveries)
	go s.watch(epoch, conn)
	return nil
}

func (s *Server) forward(epoch int, in <-chan broker.Delivery) {
	for d := range in {
		s.post(svDelivery{epoch: epoch, delivery: d})
	}
}

func (s *Server) watch(epoch int, conn broker.Connection) {
	err := <-conn.NotifyClose(make(chan error, 1))
	s.post(svConnLost{epoch: epoch, err: err})
}

func (s *Server) scheduleRetry() {
	s.cfg.debug("retrying in %s", s.cfg.backoff)
	time.AfterFunc(s.cfg.backoff, func() {
		s.post(svRetry{})
	})
}

func (s *Server) closeConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn, s.channel = nil, nil
	}
}

func (s *Server) finish() {
	s.closeConn()
	s.state = serverStopped
	s.cfg.info("stopped")
}

func (s *Server) post(ev interface{}) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}
