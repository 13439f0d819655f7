package config

import (
	"context"
	"os"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/multilogue/pkg/helpers"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Closer releases what OpenStore acquired besides the store itself.
type Closer func() error

func redisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid redis url %q", url)
	}
	return redis.NewClient(opts), nil
}

// OpenBackend builds the document backend named by the store section.
func (c *Config) OpenBackend() (store.Backend, error) {
	switch c.Store.Backend {
	case BackendMemory:
		return store.NewMemoryBackend(), nil
	case BackendFile:
		return store.NewFileBackend(c.Store.Path)
	case BackendSQLite:
		return store.NewSQLiteBackend(c.Store.DSN)
	case BackendRedis:
		client, err := redisClient(c.Store.Redis)
		if err != nil {
			return nil, err
		}
		return store.NewRedisBackend(client, store.WithRedisPrefix(c.Store.Prefix)), nil
	}
	return nil, errors.Errorf("unknown store backend %q", c.Store.Backend)
}

// PubSub is a relay usable in both directions.
type PubSub interface {
	message.Publisher
	message.Subscriber
}

// OpenRelay connects the cross process relay. It returns nil when no relay
// is configured.
func (c *Config) OpenRelay() (PubSub, Closer, error) {
	switch c.Relay.Kind {
	case RelayNone:
		return nil, func() error { return nil }, nil
	case RelayRedis:
		url := c.Relay.URL
		if url == "" {
			url = c.Store.Redis
		}
		client, err := redisClient(url)
		if err != nil {
			return nil, nil, err
		}
		relay := store.NewRedisRelay(client, helpers.NewWatermill(log.Logger))
		return relay, func() error {
			err := relay.Close()
			if cerr := client.Close(); err == nil {
				err = cerr
			}
			return err
		}, nil
	case RelayAMQP:
		conn, err := amqp.Dial(c.Relay.URL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "could not connect to amqp broker")
		}
		relay, err := store.NewAMQPRelay(conn, c.Relay.Exchange)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return relay, func() error {
			err := relay.Close()
			if cerr := conn.Close(); err == nil && cerr != amqp.ErrClosed {
				err = cerr
			}
			return err
		}, nil
	}
	return nil, nil, errors.Errorf("unknown relay kind %q", c.Relay.Kind)
}

// OpenStore builds the store of this process, wired to the configured relay,
// and seeds it from the configured seed file.
func (c *Config) OpenStore(ctx context.Context, options ...store.Option) (*store.Store, Closer, error) {
	backend, err := c.OpenBackend()
	if err != nil {
		return nil, nil, err
	}
	relay, closeRelay, err := c.OpenRelay()
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}

	primary, auxiliary := c.Keys()
	opts := []store.Option{
		store.WithKeys(primary, auxiliary),
		store.WithTopic(c.Relay.Topic),
	}
	if relay != nil {
		opts = append(opts, store.WithPubSub(relay))
	}
	opts = append(opts, options...)
	s := store.New(backend, opts...)

	closer := func() error {
		err := closeRelay()
		if serr := s.Close(); err == nil {
			err = serr
		}
		return err
	}

	if c.Store.Seed != "" {
		b, err := os.ReadFile(c.Store.Seed)
		if err != nil {
			_ = closer()
			return nil, nil, errors.Wrap(err, "could not read seed markup")
		}
		if _, err := s.Seed(ctx, string(b)); err != nil {
			_ = closer()
			return nil, nil, err
		}
	}

	return s, closer, nil
}
