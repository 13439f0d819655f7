package store

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPRelay carries change messages between processes over a RabbitMQ direct
// exchange, using the topic as routing key. Each subscription gets its own
// exclusive, auto-deleted queue.
type AMQPRelay struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	pubChan *amqp.Channel
	chans   []*amqp.Channel
	closed  bool
}

var (
	_ message.Publisher  = (*AMQPRelay)(nil)
	_ message.Subscriber = (*AMQPRelay)(nil)
)

func NewAMQPRelay(conn *amqp.Connection, exchange string) (*AMQPRelay, error) {
	if exchange == "" {
		exchange = DefaultTopic
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "amqp relay: open channel")
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "amqp relay: declare exchange %s", exchange)
	}
	return &AMQPRelay{
		conn:     conn,
		exchange: exchange,
		pubChan:  ch,
	}, nil
}

func (a *AMQPRelay) Publish(topic string, messages ...*message.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	for _, msg := range messages {
		headers := amqp.Table{}
		for k, v := range msg.Metadata {
			headers[k] = v
		}
		err := a.pubChan.PublishWithContext(msg.Context(), a.exchange, topic, false, false, amqp.Publishing{
			ContentType: "application/json",
			MessageId:   msg.UUID,
			Headers:     headers,
			Body:        msg.Payload,
		})
		if err != nil {
			return errors.Wrapf(err, "amqp relay: publish to %s", topic)
		}
	}
	return nil
}

func (a *AMQPRelay) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	ch, err := a.conn.Channel()
	if err != nil {
		a.mu.Unlock()
		return nil, errors.Wrap(err, "amqp relay: open channel")
	}
	a.chans = append(a.chans, ch)
	a.mu.Unlock()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, errors.Wrap(err, "amqp relay: declare queue")
	}
	if err := ch.QueueBind(q.Name, topic, a.exchange, false, nil); err != nil {
		return nil, errors.Wrapf(err, "amqp relay: bind %s", topic)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, errors.Wrap(err, "amqp relay: consume")
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer func() {
			_ = ch.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				msg := message.NewMessage(d.MessageId, d.Body)
				for k, v := range d.Headers {
					if s, ok := v.(string); ok {
						msg.Metadata.Set(k, s)
					}
				}
				if !deliver(ctx, out, msg) {
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the relay's channels. The connection is owned by the caller.
func (a *AMQPRelay) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var err error
	for _, ch := range append(a.chans, a.pubChan) {
		if cerr := ch.Close(); cerr != nil && cerr != amqp.ErrClosed && err == nil {
			err = cerr
		}
	}
	return err
}
