// Package transit is a broker-based RPC transport: requests travel as text
// envelopes over queues, responses come back on a private reply queue
// matched by correlation id. The Client is the calling side, the Server is
// the listening side; both reconnect on broker loss with a fixed backoff.
package transit

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/transit-rpc/transit/broker"
)

// LogFunc receives printf-style log lines.
type LogFunc func(string, ...interface{})

var (
	silentLog = func(format string, args ...interface{}) {}
	errorLog  = log.Printf
)

const (
	defaultBackoff = 2 * time.Second
	defaultTimeout = 5 * time.Second
)

// Metadata keys stamped by the transport.
const (
	MetaMessageID   = "message_id"
	MetaSentAt      = "sent_at"
	MetaReceivedAt  = "received_at"
	MetaRespondedAt = "responded_at"
)

// config holds the knobs shared by Client and Server.
type config struct {
	url         string
	dial        broker.Dialer
	backoff     time.Duration
	timeout     time.Duration
	concurrency int

	errorf, info, debug LogFunc
}

// OptionsFunc configures a Client or a Server.
type OptionsFunc func(*config)

func defaultConfig() config {
	return config{
		dial:    broker.Dial,
		backoff: defaultBackoff,
		timeout: defaultTimeout,
		errorf:  errorLog,
		info:    silentLog,
		debug:   silentLog,
	}
}

// SetURL sets the broker url.
func SetURL(url string) OptionsFunc {
	return func(c *config) { c.url = url }
}

// SetDialer replaces the broker dialer, e.g. with an in-memory broker.
func SetDialer(d broker.Dialer) OptionsFunc {
	return func(c *config) { c.dial = d }
}

// SetBackoff sets the fixed reconnect interval.
func SetBackoff(d time.Duration) OptionsFunc {
	return func(c *config) { c.backoff = d }
}

// SetTimeout sets the default call timeout. Servers ignore it.
func SetTimeout(d time.Duration) OptionsFunc {
	return func(c *config) { c.timeout = d }
}

// SetConcurrency bounds a server's in-flight workers via broker prefetch.
// Zero means unlimited. Clients ignore it.
func SetConcurrency(n int) OptionsFunc {
	return func(c *config) { c.concurrency = n }
}

// SetError sets the error log sink.
func SetError(f LogFunc) OptionsFunc {
	return func(c *config) { c.errorf = f }
}

// SetInfo sets the info log sink.
func SetInfo(f LogFunc) OptionsFunc {
	return func(c *config) { c.info = f }
}

// SetDebug sets the debug log sink.
func SetDebug(f LogFunc) OptionsFunc {
	return func(c *config) { c.debug = f }
}

// instanceID builds a process-unique identity: name.pid.host.
func instanceID(name string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown.host"
	}
	return name + "." + strconv.Itoa(os.Getpid()) + "." + host
}

var correlationSeq uint64

// nextCorrelationID produces a token with negligible collision probability:
// instance identity, wall clock nanos and a monotonic counter, text-encoded.
func nextCorrelationID(instance string) string {
	n := atomic.AddUint64(&correlationSeq, 1)
	return fmt.Sprintf("%s.%d.%d", instance, time.Now().UnixNano(), n)
}
