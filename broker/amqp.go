package broker

import (
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

type (
	amqpConnection struct {
		conn *amqp.Connection
	}

	amqpChannel struct {
		ch *amqp.Channel
	}
)

// Dial connects to an AMQP broker. It satisfies Dialer.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	return &amqpConnection{conn: conn}, nil
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan error) chan error {
	inner := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-inner; ok && err != nil {
			receiver <- err
		}
		close(receiver)
	}()
	return receiver
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpChannel) QueueDeclare(name string, durable, exclusive, autoDelete bool) (string, error) {
	q, err := c.ch.QueueDeclare(name, durable, autoDelete, exclusive, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *amqpChannel) Qos(prefetch int) error {
	if prefetch <= 0 {
		return nil
	}
	return c.ch.Qos(prefetch, 0, false)
}

// Publish sends through the default exchange, so key is the target queue.
func (c *amqpChannel) Publish(key string, p Publishing) error {
	msg := amqp.Publishing{
		Body:          p.Body,
		CorrelationId: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		Expiration:    p.Expiration,
	}
	if p.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	return c.ch.Publish("", key, false, false, msg)
}

func (c *amqpChannel) Consume(queue, tag string, autoAck bool) (<-chan Delivery, error) {
	in, err := c.ch.Consume(queue, tag, autoAck, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for msg := range in {
			d := Delivery{
				Body:          msg.Body,
				CorrelationID: msg.CorrelationId,
				ReplyTo:       msg.ReplyTo,
			}
			if !autoAck {
				m := msg
				d.ack = func() error { return m.Ack(false) }
			}
			out <- d
		}
	}()
	return out, nil
}

func (c *amqpChannel) Close() error {
	return c.ch.Close()
}
