package companion

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRedirectDelay = time.Second
	EmptyNotesText       = "There were no thoughts."
	NotesErrorText       = "Error loading thoughts."
)

type Renderer interface {
	Render(ctx context.Context, notes string) error
}

type Navigator interface {
	// Navigate replaces the current view with address, without opening a
	// new view.
	Navigate(ctx context.Context, address string) error
}

type NotesReader interface {
	Get(ctx context.Context, key store.Key) (string, bool, error)
}

// Viewer is the behavior of the notes page. Every Load and every update of
// the notes key renders the notes and schedules one navigation back to the
// primary view. Once the view has navigated away, pending navigations are
// dropped until the next Load.
type Viewer struct {
	notes     NotesReader
	renderer  Renderer
	navigator Navigator
	key       store.Key
	primary   string
	delay     time.Duration
	logger    zerolog.Logger

	mu     sync.Mutex
	left   bool
	timers []*time.Timer
}

type ViewerOption func(*Viewer)

func WithRedirectDelay(d time.Duration) ViewerOption {
	return func(v *Viewer) {
		v.delay = d
	}
}

func WithPrimaryAddress(address string) ViewerOption {
	return func(v *Viewer) {
		v.primary = address
	}
}

func WithNotesKey(key store.Key) ViewerOption {
	return func(v *Viewer) {
		v.key = key
	}
}

func WithViewerLogger(logger zerolog.Logger) ViewerOption {
	return func(v *Viewer) {
		v.logger = logger
	}
}

func NewViewer(notes NotesReader, renderer Renderer, navigator Navigator, options ...ViewerOption) *Viewer {
	ret := &Viewer{
		notes:     notes,
		renderer:  renderer,
		navigator: navigator,
		key:       store.AuxiliaryKey,
		primary:   DefaultPrimaryAddress,
		delay:     DefaultRedirectDelay,
		logger:    log.Logger,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// NotesText returns what the page shows for the stored notes.
func NotesText(ctx context.Context, notes NotesReader, key store.Key) string {
	v, ok, err := notes.Get(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", string(key)).Msg("could not read notes")
		return NotesErrorText
	}
	if !ok || strings.TrimSpace(v) == "" {
		return EmptyNotesText
	}
	return v
}

func (v *Viewer) render(ctx context.Context) error {
	return v.renderer.Render(ctx, NotesText(ctx, v.notes, v.key))
}

// Load is called when the page loads.
func (v *Viewer) Load(ctx context.Context) error {
	v.mu.Lock()
	v.left = false
	v.mu.Unlock()

	if err := v.render(ctx); err != nil {
		return err
	}
	v.scheduleReturn(ctx)
	return nil
}

// HandleChange is called for change events coming from other contexts.
func (v *Viewer) HandleChange(ctx context.Context, e store.ChangeEvent) error {
	if e.Key != v.key {
		return nil
	}
	if err := v.render(ctx); err != nil {
		return err
	}
	v.scheduleReturn(ctx)
	return nil
}

// Refresh re-renders when the view becomes visible again. It never
// navigates, so that a user returning to the page on purpose stays there.
func (v *Viewer) Refresh(ctx context.Context) error {
	return v.render(ctx)
}

func (v *Viewer) scheduleReturn(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.left {
		return
	}

	v.logger.Debug().Dur("delay", v.delay).Str("address", v.primary).Msg("scheduling return to primary view")
	var t *time.Timer
	t = time.AfterFunc(v.delay, func() {
		v.mu.Lock()
		if v.left {
			v.mu.Unlock()
			return
		}
		v.left = true
		for _, other := range v.timers {
			if other != t {
				other.Stop()
			}
		}
		v.timers = nil
		v.mu.Unlock()

		if err := v.navigator.Navigate(context.WithoutCancel(ctx), v.primary); err != nil {
			v.logger.Error().Err(err).Msg("could not return to primary view")
		}
	})
	v.timers = append(v.timers, t)
}

// Close cancels pending navigations.
func (v *Viewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range v.timers {
		t.Stop()
	}
	v.timers = nil
	v.left = true
}
