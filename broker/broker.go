// Package broker defines the narrow set of message-broker primitives the
// transit client and server rely on: channels, queue declaration, QoS,
// publish, consume and per-delivery acknowledgement. The AMQP implementation
// is the production one; the in-memory implementation backs tests and
// examples.
package broker

// Dialer opens a connection to a broker. Client and server redial through
// the same Dialer after a connection loss.
type Dialer func(url string) (Connection, error)

type (
	// Connection is one broker connection. Channels opened from it die
	// with it.
	Connection interface {
		Channel() (Channel, error)
		// NotifyClose registers receiver for the connection's end of
		// life. A non-nil error is sent on abnormal loss; the channel
		// is closed in every case.
		NotifyClose(receiver chan error) chan error
		Close() error
	}

	// Channel is one broker channel, owned by exactly one actor.
	Channel interface {
		// QueueDeclare declares a queue and returns its name. An empty
		// name asks the broker to generate one.
		QueueDeclare(name string, durable, exclusive, autoDelete bool) (string, error)
		// Qos caps unacknowledged deliveries per consumer. Zero means
		// unlimited.
		Qos(prefetch int) error
		Publish(key string, p Publishing) error
		Consume(queue, tag string, autoAck bool) (<-chan Delivery, error)
		Close() error
	}

	// Publishing is an outbound message.
	Publishing struct {
		Body          []byte
		CorrelationID string
		ReplyTo       string
		// Expiration is a broker-side TTL in milliseconds, as text.
		Expiration string
		Persistent bool
	}

	// Delivery is an inbound message. Ack settles it exactly once;
	// acking against a closed channel fails.
	Delivery struct {
		Body          []byte
		CorrelationID string
		ReplyTo       string

		ack func() error
	}
)

// Ack settles the delivery with the broker.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}
