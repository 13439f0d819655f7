package store

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RedisRelay carries change messages between processes over Redis
// PUBLISH/SUBSCRIBE. Messages published while nobody is subscribed are lost,
// which is fine for change notifications since the documents live in the
// backend.
type RedisRelay struct {
	client *redis.Client
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

var (
	_ message.Publisher  = (*RedisRelay)(nil)
	_ message.Subscriber = (*RedisRelay)(nil)
)

func NewRedisRelay(client *redis.Client, logger watermill.LoggerAdapter) *RedisRelay {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &RedisRelay{client: client, logger: logger}
}

func (r *RedisRelay) Publish(topic string, messages ...*message.Message) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, msg := range messages {
		b, err := encodeEnvelope(msg)
		if err != nil {
			return err
		}
		if err := r.client.Publish(topic, string(b)).Err(); err != nil {
			return errors.Wrapf(err, "redis relay: publish to %s", topic)
		}
		r.logger.Trace("published", watermill.LogFields{"topic": topic, "uuid": msg.UUID})
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	ps := r.client.Subscribe(topic)
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	// wait for the subscription confirmation so no message published after
	// Subscribe returns is missed
	if _, err := ps.Receive(); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "redis relay: subscribe to %s", topic)
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer func() {
			_ = ps.Close()
		}()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg, err := decodeEnvelope([]byte(m.Payload))
				if err != nil {
					r.logger.Error("dropping redis message", err, watermill.LogFields{"topic": topic})
					continue
				}
				if !deliver(ctx, out, msg) {
					return
				}
			}
		}
	}()

	return out, nil
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	for _, ps := range r.subs {
		if cerr := ps.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// deliver hands msg to out and waits until it is acked. Nacked messages are
// redelivered.
func deliver(ctx context.Context, out chan<- *message.Message, msg *message.Message) bool {
	for {
		msg.SetContext(ctx)
		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}
		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			msg = msg.Copy()
		case <-ctx.Done():
			return false
		}
	}
}
