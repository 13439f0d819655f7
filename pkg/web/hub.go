package web

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-go-golems/multilogue/pkg/companion"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Role string

const (
	RolePrimary   Role = "primary"
	RoleCompanion Role = "companion"
)

const (
	MessageHello    = "hello"
	MessageLocation = "location"
	MessageVisible  = "visible"

	MessageChange   = "change"
	MessageOpen     = "open"
	MessageNavigate = "navigate"
	MessageRender   = "render"
)

var ErrNoView = errors.New("no view connected")

// ClientMessage is sent by a page over the websocket.
type ClientMessage struct {
	Type     string `json:"type"`
	Role     Role   `json:"role,omitempty"`
	Name     string `json:"name,omitempty"`
	Location string `json:"location,omitempty"`
}

// ServerMessage is sent to a page over the websocket.
type ServerMessage struct {
	Type    string             `json:"type"`
	Event   *store.ChangeEvent `json:"event,omitempty"`
	Address string             `json:"address,omitempty"`
	Name    string             `json:"name,omitempty"`
	HTML    string             `json:"html,omitempty"`
}

const sendBuffer = 32

type client struct {
	id   string
	conn *websocket.Conn
	send chan ServerMessage

	mu       sync.Mutex
	role     Role
	name     string
	location string
	viewer   *companion.Viewer
	closed   bool
}

func (c *client) push(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.viewer != nil {
		c.viewer.Close()
	}
}

// Hub tracks the pages connected over websockets. It forwards change events
// to them and opens or moves the companion view through a primary page.
type Hub struct {
	upgrader websocket.Upgrader
	notes    companion.NotesReader
	render   func(notes string) (string, error)
	viewer   []companion.ViewerOption
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	order   []string
}

var _ companion.Opener = (*Hub)(nil)

type HubOption func(*Hub)

func WithViewerOptions(options ...companion.ViewerOption) HubOption {
	return func(h *Hub) {
		h.viewer = append(h.viewer, options...)
	}
}

func WithHubLogger(logger zerolog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a hub. notes and render are used for the companion pages.
func NewHub(notes companion.NotesReader, render func(string) (string, error), options ...HubOption) *Hub {
	ret := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		notes:   notes,
		render:  render,
		logger:  log.Logger,
		clients: map[string]*client{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	h.order = append(h.order, c.id)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for i, id := range h.order {
		if id == c.id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ret := make([]*client, 0, len(h.order))
	for _, id := range h.order {
		ret = append(ret, h.clients[id])
	}
	return ret
}

// Count returns the number of connected pages.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) byName(name string) *client {
	clients := h.snapshot()
	for i := len(clients) - 1; i >= 0; i-- {
		c := clients[i]
		c.mu.Lock()
		match := c.name == name
		c.mu.Unlock()
		if match {
			return c
		}
	}
	return nil
}

func (h *Hub) latestPrimary() *client {
	clients := h.snapshot()
	for i := len(clients) - 1; i >= 0; i-- {
		c := clients[i]
		c.mu.Lock()
		primary := c.role == RolePrimary
		c.mu.Unlock()
		if primary {
			return c
		}
	}
	return nil
}

// Broadcast sends e to every page and lets companion pages re-render.
func (h *Hub) Broadcast(ctx context.Context, e store.ChangeEvent) {
	for _, c := range h.snapshot() {
		if !c.push(ServerMessage{Type: MessageChange, Event: &e}) {
			h.logger.Warn().Str("client", c.id).Msg("dropping change for slow or closed view")
		}
		c.mu.Lock()
		v := c.viewer
		c.mu.Unlock()
		if v != nil {
			if err := v.HandleChange(ctx, e); err != nil {
				h.logger.Warn().Err(err).Str("client", c.id).Msg("could not update companion view")
			}
		}
	}
}

// Attach forwards the changes of both store keys to the connected pages.
func (h *Hub) Attach(s *store.Store) func() {
	u1 := s.OnChange(s.PrimaryKey(), h.Broadcast)
	u2 := s.OnChange(s.AuxiliaryKey(), h.Broadcast)
	return func() {
		u1()
		u2()
	}
}

// Open implements companion.Opener. A page already registered under name is
// moved to address; otherwise the most recent primary page is asked to open
// it.
func (h *Hub) Open(ctx context.Context, address string, name string) (companion.ViewHandle, error) {
	if c := h.byName(name); c != nil {
		if c.push(ServerMessage{Type: MessageNavigate, Address: address}) {
			return &viewHandle{hub: h, name: name}, nil
		}
	}
	p := h.latestPrimary()
	if p == nil {
		return nil, ErrNoView
	}
	if !p.push(ServerMessage{Type: MessageOpen, Address: address, Name: name}) {
		return nil, errors.Wrap(ErrNoView, "primary view is not accepting messages")
	}
	h.logger.Debug().Str("client", p.id).Str("name", name).Str("address", address).Msg("asked primary view to open companion")
	return &viewHandle{hub: h, name: name}, nil
}

type viewHandle struct {
	hub  *Hub
	name string
}

func (v *viewHandle) Closed() bool {
	return v.hub.byName(v.name) == nil
}

func (v *viewHandle) Location() (string, error) {
	c := v.hub.byName(v.name)
	if c == nil {
		return "", ErrNoView
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.location == "" {
		return "", errors.New("location not reported yet")
	}
	return c.location, nil
}

func (v *viewHandle) Navigate(ctx context.Context, address string) error {
	c := v.hub.byName(v.name)
	if c == nil {
		return ErrNoView
	}
	if !c.push(ServerMessage{Type: MessageNavigate, Address: address}) {
		return errors.Wrap(ErrNoView, "view is not accepting messages")
	}
	return nil
}

type clientRenderer struct {
	c      *client
	render func(string) (string, error)
}

func (r clientRenderer) Render(ctx context.Context, notes string) error {
	html, err := r.render(notes)
	if err != nil {
		return err
	}
	if !r.c.push(ServerMessage{Type: MessageRender, HTML: html}) {
		return ErrNoView
	}
	return nil
}

type clientNavigator struct {
	c *client
}

func (n clientNavigator) Navigate(ctx context.Context, address string) error {
	if !n.c.push(ServerMessage{Type: MessageNavigate, Address: address}) {
		return ErrNoView
	}
	return nil
}

func (h *Hub) handle(ctx context.Context, c *client, msg ClientMessage) {
	switch msg.Type {
	case MessageHello:
		c.mu.Lock()
		c.role = msg.Role
		c.name = msg.Name
		c.location = msg.Location
		var v *companion.Viewer
		if msg.Role == RoleCompanion && c.viewer == nil {
			v = companion.NewViewer(h.notes, clientRenderer{c: c, render: h.render}, clientNavigator{c: c}, h.viewer...)
			c.viewer = v
		}
		c.mu.Unlock()
		h.logger.Debug().Str("client", c.id).Str("role", string(msg.Role)).Str("name", msg.Name).Msg("view connected")
		if v != nil {
			if err := v.Load(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("could not load companion view")
			}
		}
	case MessageLocation:
		c.mu.Lock()
		c.location = msg.Location
		c.mu.Unlock()
	case MessageVisible:
		c.mu.Lock()
		v := c.viewer
		c.mu.Unlock()
		if v != nil {
			if err := v.Refresh(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("could not refresh companion view")
			}
		}
	default:
		h.logger.Warn().Str("type", msg.Type).Msg("unknown view message")
	}
}

// ServeWS upgrades the request and serves one page until it disconnects.
func (h *Hub) ServeWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan ServerMessage, sendBuffer),
	}
	h.add(cl)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range cl.send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug().Err(err).Str("client", cl.id).Msg("write to view failed")
				return
			}
		}
	}()

	ctx := c.Request().Context()
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("client", cl.id).Msg("view disconnected")
			}
			break
		}
		h.handle(ctx, cl, msg)
	}

	h.remove(cl)
	<-done
	return conn.Close()
}
