package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/multilogue/pkg/helpers"
	"github.com/go-go-golems/multilogue/pkg/markup"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler receives change events for one key.
type Handler func(ctx context.Context, e ChangeEvent)

// Store is one execution context's view of the shared documents. Every
// successful write is persisted to the Backend, handed synchronously to the
// handlers registered on this Store, and published for other contexts. Run
// delivers the writes of other contexts to the same handlers.
type Store struct {
	backend     Backend
	publisher   message.Publisher
	subscribers []message.Subscriber
	topic       string
	origin      string
	primary     Key
	auxiliary   Key
	logger      zerolog.Logger

	sequence atomic.Uint64

	mu        sync.RWMutex
	handlers  map[Key]map[uint64]Handler
	handlerID uint64
	closed    bool

	seedMu sync.Mutex
	seeded bool
}

type Option func(*Store)

// WithPublisher sets where change events are published. The publisher is
// wrapped so that messages carry a correlation id.
func WithPublisher(publisher message.Publisher) Option {
	return func(s *Store) {
		s.publisher = helpers.CorrelationPublisherDecorator{Publisher: publisher}
	}
}

// WithSubscriber adds a source of change events from other contexts.
func WithSubscriber(subscribers ...message.Subscriber) Option {
	return func(s *Store) {
		s.subscribers = append(s.subscribers, subscribers...)
	}
}

// WithPubSub uses one watermill pub/sub for both directions.
func WithPubSub(pubSub interface {
	message.Publisher
	message.Subscriber
}) Option {
	return func(s *Store) {
		WithPublisher(pubSub)(s)
		WithSubscriber(pubSub)(s)
	}
}

func WithTopic(topic string) Option {
	return func(s *Store) {
		s.topic = topic
	}
}

// WithOrigin overrides the generated origin id of the store.
func WithOrigin(origin string) Option {
	return func(s *Store) {
		s.origin = origin
	}
}

func WithKeys(primary, auxiliary Key) Option {
	return func(s *Store) {
		if primary != "" {
			s.primary = primary
		}
		if auxiliary != "" {
			s.auxiliary = auxiliary
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(backend Backend, options ...Option) *Store {
	ret := &Store{
		backend:   backend,
		topic:     DefaultTopic,
		origin:    uuid.NewString(),
		primary:   PrimaryKey,
		auxiliary: AuxiliaryKey,
		logger:    log.Logger,
		handlers:  map[Key]map[uint64]Handler{},
	}
	for _, o := range options {
		o(ret)
	}
	ret.logger = ret.logger.With().Str("origin", ret.origin).Logger()
	return ret
}

func (s *Store) Origin() string    { return s.origin }
func (s *Store) PrimaryKey() Key   { return s.primary }
func (s *Store) AuxiliaryKey() Key { return s.auxiliary }
func (s *Store) Backend() Backend  { return s.backend }
func (s *Store) Topic() string     { return s.topic }

func (s *Store) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the value stored under key and whether it exists.
func (s *Store) Get(ctx context.Context, key Key) (string, bool, error) {
	doc, ok, err := s.Document(ctx, key)
	return doc.Value, ok, err
}

func (s *Store) Document(ctx context.Context, key Key) (Document, bool, error) {
	if err := s.ensureOpen(); err != nil {
		return Document{}, false, err
	}
	return s.backend.Get(ctx, key)
}

// Revision returns the current revision of key, 0 if it is absent.
func (s *Store) Revision(ctx context.Context, key Key) (uint64, error) {
	doc, _, err := s.Document(ctx, key)
	return doc.Revision, err
}

// Set replaces the value of key unconditionally.
func (s *Store) Set(ctx context.Context, key Key, value string) (Document, error) {
	return s.SetIfRevision(ctx, key, value, 0)
}

// SetIfRevision replaces the value of key if its revision still equals
// expected. An expected revision of 0 writes unconditionally.
func (s *Store) SetIfRevision(ctx context.Context, key Key, value string, expected uint64) (Document, error) {
	if err := s.ensureOpen(); err != nil {
		return Document{}, err
	}

	doc, err := s.backend.Put(ctx, key, value, expected)
	if err != nil {
		return Document{}, err
	}

	e := newChangeEvent(doc, s.origin, s.sequence.Add(1))
	s.logger.Debug().
		Str("key", string(key)).
		Uint64("revision", doc.Revision).
		Uint64("sequence", e.Sequence).
		Msg("document written")

	// handlers in this context never see their own writes through the bus
	s.dispatch(ctx, e)
	s.publish(ctx, e)

	return doc, nil
}

func (s *Store) publish(ctx context.Context, e ChangeEvent) {
	if s.publisher == nil {
		return
	}
	msg, err := NewChangeMessage(ctx, e)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not encode change event")
		return
	}
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		s.logger.Warn().Err(err).Str("key", string(e.Key)).Msg("could not publish change event")
	}
}

// OnChange registers handler for writes to key, from this or any other
// context. Writes of this Store reach the handler synchronously from Set;
// writes of other contexts arrive on the goroutine running Run, so a handler
// must not wait there for its own writes to be delivered. The returned
// function removes the handler.
func (s *Store) OnChange(key Key, handler Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlerID++
	id := s.handlerID
	if s.handlers[key] == nil {
		s.handlers[key] = map[uint64]Handler{}
	}
	s.handlers[key][id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[key], id)
	}
}

func (s *Store) dispatch(ctx context.Context, e ChangeEvent) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.handlers[e.Key]))
	for _, h := range s.handlers[e.Key] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, e)
	}
}

// Seed initializes the primary document from static markup when it does not
// exist yet. Markup that cannot be converted seeds an empty transcript. Once a
// call has found or written the document, later calls on the Store do
// nothing; it reports whether a value was written.
func (s *Store) Seed(ctx context.Context, staticMarkup string) (bool, error) {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	if s.seeded {
		return false, nil
	}

	_, ok, err := s.Document(ctx, s.primary)
	if err != nil {
		return false, err
	}
	if ok {
		s.seeded = true
		return false, nil
	}

	text, err := markup.FromMarkup(staticMarkup)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not convert static markup, seeding empty transcript")
		text = ""
	}
	if _, err := s.Set(ctx, s.primary, text); err != nil {
		return false, errors.Wrap(err, "could not seed transcript")
	}
	s.seeded = true
	return true, nil
}

// Run delivers change events written by other contexts to the local
// handlers. It blocks until ctx is cancelled or every subscription ends.
func (s *Store) Run(ctx context.Context) error {
	if len(s.subscribers) == 0 {
		<-ctx.Done()
		return nil
	}

	channels := make([]<-chan *message.Message, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		ch, err := sub.Subscribe(ctx, s.topic)
		if err != nil {
			return errors.Wrapf(err, "could not subscribe to %s", s.topic)
		}
		channels = append(channels, ch)
	}

	for msg := range helpers.MergeChannels(ctx, channels...) {
		e, err := ChangeEventFromMessage(msg)
		msg.Ack()
		if err != nil {
			s.logger.Warn().Err(err).Str("message", msg.UUID).Msg("dropping change message")
			continue
		}
		if e.Origin == s.origin {
			continue
		}
		s.logger.Debug().
			Str("key", string(e.Key)).
			Str("from", e.Origin).
			Uint64("revision", e.Revision).
			Msg("received change")
		s.dispatch(helpers.ContextWithCorrelationID(ctx, msg.Metadata.Get(helpers.CorrelationIDMetadataKey)), e)
	}

	return nil
}

// Close closes the backend. Publishers and subscribers are owned by the
// caller.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.backend.Close()
}
