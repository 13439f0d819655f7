// Package web serves the primary and companion views and the JSON API over
// HTTP, and keeps connected pages in sync over websockets.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-go-golems/multilogue/pkg/companion"
	"github.com/go-go-golems/multilogue/pkg/files"
	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/markup"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/go-go-golems/multilogue/pkg/transcript"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const maxUploadSize = 8 << 20

type Server struct {
	store        *store.Store
	orchestrator *inference.Orchestrator
	modelName    string

	companionAddress string
	handleName       string
	primaryAddress   string
	redirectDelay    time.Duration

	hub         *Hub
	coordinator *companion.Coordinator
	templates   *template.Template
	echo        *echo.Echo
	logger      zerolog.Logger
	detach      []func()
}

type Option func(*Server)

// WithOrchestrator enables /api/run and /api/credential.
func WithOrchestrator(o *inference.Orchestrator) Option {
	return func(s *Server) {
		s.orchestrator = o
		if s.modelName == "" {
			s.modelName = o.Machine().Name
		}
	}
}

// WithModelName sets the machine name used by /api/messages when no
// orchestrator is configured.
func WithModelName(name string) Option {
	return func(s *Server) {
		s.modelName = name
	}
}

func WithCompanion(address, handleName, primaryAddress string, redirectDelay time.Duration) Option {
	return func(s *Server) {
		if address != "" {
			s.companionAddress = address
		}
		if handleName != "" {
			s.handleName = handleName
		}
		if primaryAddress != "" {
			s.primaryAddress = primaryAddress
		}
		if redirectDelay > 0 {
			s.redirectDelay = redirectDelay
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(st *store.Store, options ...Option) (*Server, error) {
	t, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:            st,
		companionAddress: "/" + companion.DefaultAddress,
		handleName:       companion.DefaultHandleName,
		primaryAddress:   companion.DefaultPrimaryAddress,
		redirectDelay:    companion.DefaultRedirectDelay,
		templates:        t,
		logger:           log.Logger,
	}
	for _, o := range options {
		o(s)
	}
	if !strings.HasPrefix(s.companionAddress, "/") {
		s.companionAddress = "/" + s.companionAddress
	}

	s.hub = NewHub(st, RenderNotes,
		WithHubLogger(s.logger),
		WithViewerOptions(
			companion.WithRedirectDelay(s.redirectDelay),
			companion.WithPrimaryAddress(s.primaryAddress),
			companion.WithNotesKey(st.AuxiliaryKey()),
			companion.WithViewerLogger(s.logger),
		))
	s.coordinator = companion.NewCoordinator(s.hub,
		companion.WithAddress(s.companionAddress),
		companion.WithHandleName(s.handleName),
		companion.WithKey(st.AuxiliaryKey()),
		companion.WithCoordinatorLogger(s.logger))
	s.detach = append(s.detach, s.hub.Attach(st), s.coordinator.Attach(st))

	s.echo = s.routes()
	return s, nil
}

func (s *Server) Echo() *echo.Echo { return s.echo }
func (s *Server) Hub() *Hub        { return s.hub }

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	e.GET("/", s.handleIndex)
	e.GET(s.companionAddress, s.handleThoughts)
	e.GET("/ws", s.hub.ServeWS)

	api := e.Group("/api")
	api.GET("/documents/:key", s.handleGetDocument)
	api.PUT("/documents/:key", s.handlePutDocument)
	api.GET("/markup", s.handleGetMarkup)
	api.GET("/messages", s.handleMessages)
	api.POST("/upload", s.handleUpload)
	api.GET("/download", s.handleDownload)
	api.POST("/run", s.handleRun)
	api.POST("/credential", s.handleCredential)
	api.GET("/schema/:name", s.handleSchema)
	return e
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Dur("duration", time.Since(start)).
			Msg("request")
		return nil
	}
}

// Run serves on addr and delivers changes from other processes until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.store.Run(ctx)
	})
	eg.Go(func() error {
		s.logger.Info().Str("addr", addr).Msg("serving")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	})
	err := eg.Wait()
	s.Close()
	return err
}

// Close detaches the server from the store.
func (s *Server) Close() {
	for _, d := range s.detach {
		d()
	}
	s.detach = nil
}

func (s *Server) primaryText(ctx context.Context) (store.Document, error) {
	doc, _, err := s.store.Document(ctx, s.store.PrimaryKey())
	return doc, err
}

type indexPage struct {
	Title      string
	Markup     template.HTML
	Text       string
	Revision   uint64
	PrimaryKey string
	Accept     []string
}

func (s *Server) handleIndex(c echo.Context) error {
	doc, err := s.primaryText(c.Request().Context())
	if err != nil {
		return err
	}
	page := indexPage{
		Text:       doc.Value,
		Revision:   doc.Revision,
		PrimaryKey: string(s.store.PrimaryKey()),
	}
	for _, p := range files.AcceptedPatterns {
		page.Accept = append(page.Accept, strings.TrimPrefix(p, "*"))
	}
	if strings.TrimSpace(doc.Value) != "" {
		m, err := markup.ToMarkup(doc.Value)
		if err != nil {
			return err
		}
		// ToMarkup escapes every utterance body
		page.Markup = template.HTML(m)
	}
	return s.renderPage(c, "index.html", page)
}

type thoughtsPage struct {
	Notes template.HTML
}

func (s *Server) handleThoughts(c echo.Context) error {
	text := companion.NotesText(c.Request().Context(), s.store, s.store.AuxiliaryKey())
	html, err := RenderNotes(text)
	if err != nil {
		return err
	}
	return s.renderPage(c, "thoughts.html", thoughtsPage{Notes: template.HTML(html)})
}

func (s *Server) renderPage(c echo.Context, name string, data interface{}) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return s.templates.ExecuteTemplate(c.Response(), name, data)
}

func (s *Server) handleGetDocument(c echo.Context) error {
	doc, ok, err := s.store.Document(c.Request().Context(), store.Key(c.Param("key")))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such document")
	}
	return c.JSON(http.StatusOK, doc)
}

// putDocumentRequest carries either a transcript value or markup to convert.
type putDocumentRequest struct {
	Value    json.RawMessage `json:"value,omitempty"`
	Markup   interface{}     `json:"markup,omitempty"`
	Revision uint64          `json:"revision,omitempty"`
}

func (s *Server) handlePutDocument(c echo.Context) error {
	var req putDocumentRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	var value string
	switch {
	case req.Markup != nil:
		v, err := markup.FromMarkupValue(req.Markup)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		value = v
	case len(req.Value) > 0:
		if err := json.Unmarshal(req.Value, &value); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, transcript.ErrInvalidInput.Error()+": value must be a string")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "value or markup required")
	}

	doc, err := s.store.SetIfRevision(c.Request().Context(), store.Key(c.Param("key")), value, req.Revision)
	if err != nil {
		return statusError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleGetMarkup(c echo.Context) error {
	doc, err := s.primaryText(c.Request().Context())
	if err != nil {
		return err
	}
	m, err := markup.ToMarkup(doc.Value)
	if err != nil {
		return statusError(err)
	}
	return c.HTML(http.StatusOK, m)
}

func (s *Server) handleMessages(c echo.Context) error {
	doc, err := s.primaryText(c.Request().Context())
	if err != nil {
		return err
	}
	source := messages.TextSource(doc.Value)
	switch c.QueryParam("format") {
	case "", "grouped":
		msgs, err := messages.ToGroupedMessages(source, s.modelName)
		if err != nil {
			return statusError(err)
		}
		return c.JSON(http.StatusOK, msgs)
	case "flat":
		msgs, err := messages.ToFlatMessages(source, s.modelName)
		if err != nil {
			return statusError(err)
		}
		return c.JSON(http.StatusOK, msgs)
	}
	return echo.NewHTTPError(http.StatusBadRequest, "format must be flat or grouped")
}

func (s *Server) handleUpload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file required")
	}
	if !files.Accepted(fh.Filename) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType,
			"accepted files: "+strings.Join(files.AcceptedPatterns, " "))
	}
	tooLarge := echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("file is larger than %d bytes", maxUploadSize))
	if fh.Size > maxUploadSize {
		return tooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	// one byte past the limit tells a full file from a truncated one
	b, err := io.ReadAll(io.LimitReader(f, maxUploadSize+1))
	if err != nil {
		return err
	}
	if len(b) > maxUploadSize {
		return tooLarge
	}
	if _, err := s.store.Set(c.Request().Context(), s.store.PrimaryKey(), string(b)); err != nil {
		return statusError(err)
	}
	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON) {
		return c.NoContent(http.StatusNoContent)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) handleDownload(c echo.Context) error {
	doc, err := s.primaryText(c.Request().Context())
	if err != nil {
		return err
	}
	if strings.TrimSpace(doc.Value) == "" {
		return echo.NewHTTPError(http.StatusNotFound, files.ErrNothingToSave.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+files.SuggestedName+`"`)
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", []byte(doc.Value))
}

type runResponse struct {
	Outcome *inference.Outcome `json:"outcome,omitempty"`
	State   inference.State    `json:"state"`
	Error   string             `json:"error,omitempty"`
}

func (s *Server) respondRun(c echo.Context, outcome *inference.Outcome, err error) error {
	resp := runResponse{Outcome: outcome, State: s.orchestrator.State()}
	if err == nil {
		return c.JSON(http.StatusOK, resp)
	}
	resp.Error = err.Error()
	return c.JSON(StatusCode(err), resp)
}

func (s *Server) handleRun(c echo.Context) error {
	if s.orchestrator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no machine configured")
	}
	override := inference.ParseSettingsQuery(c.QueryParams())
	outcome, err := s.orchestrator.RunWithSettings(c.Request().Context(), override)
	return s.respondRun(c, outcome, err)
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

func (s *Server) handleCredential(c echo.Context) error {
	if s.orchestrator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no machine configured")
	}
	var req credentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	outcome, err := s.orchestrator.ResumeWithCredential(c.Request().Context(), req.Credential)
	return s.respondRun(c, outcome, err)
}

func (s *Server) handleSchema(c echo.Context) error {
	switch c.Param("name") {
	case "reply":
		return c.JSON(http.StatusOK, inference.ReplySchema())
	case "request":
		return c.JSON(http.StatusOK, inference.RequestSchema())
	}
	return echo.NewHTTPError(http.StatusNotFound, "unknown schema")
}

// StatusCode maps an error to the HTTP status reported to pages.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, inference.ErrNothingToSend),
		errors.Is(err, messages.ErrMissingConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, inference.ErrCredentialRequired):
		return http.StatusUnauthorized
	case errors.Is(err, inference.ErrBusy),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, transcript.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, inference.ErrExternal):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func statusError(err error) error {
	return echo.NewHTTPError(StatusCode(err), err.Error())
}
