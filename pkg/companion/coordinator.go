// Package companion keeps a secondary view showing the auxiliary notes in
// step with the store.
//
// The Coordinator runs next to the primary view. When the auxiliary key
// receives non-empty content it makes sure one view, opened under a fixed
// handle name, shows the notes address. The Viewer is the other side: the
// notes page itself, which renders the notes and sends itself back to the
// primary view shortly after every load or update.
package companion

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAddress        = "thoughts.html"
	DefaultHandleName     = "multilogueThoughtsTab"
	DefaultPrimaryAddress = "/"
	blankAddress          = "about:blank"
)

// ViewHandle is a reference to an opened view.
type ViewHandle interface {
	Closed() bool
	// Location returns the address the view currently shows. An error means
	// the location cannot be determined.
	Location() (string, error)
	Navigate(ctx context.Context, address string) error
}

// Opener opens (or focuses) the view registered under name and points it at
// address.
type Opener interface {
	Open(ctx context.Context, address string, name string) (ViewHandle, error)
}

type viewState int

const (
	viewMissing viewState = iota
	viewElsewhere
	viewUnknown
	viewAtTarget
)

func (s viewState) String() string {
	switch s {
	case viewMissing:
		return "missing"
	case viewElsewhere:
		return "elsewhere"
	case viewUnknown:
		return "unknown"
	case viewAtTarget:
		return "at-target"
	}
	return "invalid"
}

type Action string

const (
	ActionIgnored  Action = "ignored"
	ActionNone     Action = "none"
	ActionOpen     Action = "open"
	ActionNavigate Action = "navigate"
	ActionReopened Action = "reopened"
)

var transitions = map[viewState]Action{
	viewMissing:   ActionOpen,
	viewElsewhere: ActionNavigate,
	viewUnknown:   ActionNavigate,
	viewAtTarget:  ActionNone,
}

type Coordinator struct {
	opener  Opener
	address string
	name    string
	key     store.Key
	logger  zerolog.Logger

	mu     sync.Mutex
	handle ViewHandle
}

type CoordinatorOption func(*Coordinator)

func WithAddress(address string) CoordinatorOption {
	return func(c *Coordinator) {
		c.address = address
	}
}

func WithHandleName(name string) CoordinatorOption {
	return func(c *Coordinator) {
		c.name = name
	}
}

func WithKey(key store.Key) CoordinatorOption {
	return func(c *Coordinator) {
		c.key = key
	}
}

func WithCoordinatorLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func NewCoordinator(opener Opener, options ...CoordinatorOption) *Coordinator {
	ret := &Coordinator{
		opener:  opener,
		address: DefaultAddress,
		name:    DefaultHandleName,
		key:     store.AuxiliaryKey,
		logger:  log.Logger,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// AtAddress reports whether location shows address. Only the path is
// compared, by suffix, so relative and absolute forms match.
func AtAddress(location string, address string) bool {
	if location == "" || location == blankAddress {
		return false
	}
	path := location
	if u, err := url.Parse(location); err == nil {
		path = u.Path
	}
	target := address
	if u, err := url.Parse(address); err == nil {
		target = u.Path
	}
	target = strings.TrimPrefix(target, "/")
	if target == "" {
		return strings.TrimSuffix(path, "/") == ""
	}
	return strings.HasSuffix(path, target)
}

func (c *Coordinator) state() viewState {
	if c.handle == nil || c.handle.Closed() {
		return viewMissing
	}
	location, err := c.handle.Location()
	if err != nil {
		return viewUnknown
	}
	if !AtAddress(location, c.address) {
		return viewElsewhere
	}
	return viewAtTarget
}

func (c *Coordinator) open(ctx context.Context) error {
	h, err := c.opener.Open(ctx, c.address, c.name)
	if err != nil {
		return errors.Wrapf(err, "could not open %s", c.address)
	}
	c.handle = h
	return nil
}

// HandleChange brings the companion view in line after a change event.
// Events for other keys and empty notes are ignored.
func (c *Coordinator) HandleChange(ctx context.Context, e store.ChangeEvent) (Action, error) {
	if e.Key != c.key || strings.TrimSpace(e.Value) == "" {
		return ActionIgnored, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.state()
	action := transitions[state]
	c.logger.Debug().Str("state", state.String()).Str("action", string(action)).Msg("companion view transition")

	switch action {
	case ActionOpen:
		if err := c.open(ctx); err != nil {
			return action, err
		}
	case ActionNavigate:
		if err := c.handle.Navigate(ctx, c.address); err != nil {
			c.logger.Warn().Err(err).Msg("could not navigate companion view, reopening")
			if err := c.open(ctx); err != nil {
				return ActionReopened, err
			}
			return ActionReopened, nil
		}
	}
	return action, nil
}

// Attach subscribes the coordinator to the store's auxiliary key.
func (c *Coordinator) Attach(s *store.Store) func() {
	return s.OnChange(c.key, func(ctx context.Context, e store.ChangeEvent) {
		if _, err := c.HandleChange(ctx, e); err != nil {
			c.logger.Error().Err(err).Msg("companion view update failed")
		}
	})
}
