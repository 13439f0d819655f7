package inference

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/multilogue/pkg/helpers"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingCredential
	StateAwaitingReply
	StateApplied
	StateFailed
	// StateNeedsCredential suspends the cycle until ResumeWithCredential is
	// called.
	StateNeedsCredential
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCredential:
		return "awaiting-credential"
	case StateAwaitingReply:
		return "awaiting-reply"
	case StateApplied:
		return "applied"
	case StateFailed:
		return "failed"
	case StateNeedsCredential:
		return "needs-credential"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome describes a finished or suspended cycle.
type Outcome struct {
	CycleID string `json:"cycleId"`
	State   State  `json:"state"`
	// Reply is the sanitized regular text of the reply.
	Reply string `json:"reply,omitempty"`
	// Reasoning is the sanitized reasoning text of the reply.
	Reasoning string `json:"reasoning,omitempty"`
	// Passed is set when the reply was a pass utterance and the transcript was
	// left as it was.
	Passed bool `json:"passed"`
	// Transcript is the transcript after the cycle.
	Transcript       string `json:"transcript,omitempty"`
	PrimaryRevision  uint64 `json:"primaryRevision,omitempty"`
	AuxiliaryWritten bool   `json:"auxiliaryWritten"`
	// Warnings lists problems that did not undo an applied reply.
	Warnings []string `json:"warnings,omitempty"`
}

// Orchestrator runs inference cycles for one machine against one store.
type Orchestrator struct {
	store       *store.Store
	engine      Engine
	machine     MachineConfig
	settings    *Settings
	credentials CredentialSource
	cache       *CredentialCache
	guardStale  bool
	logger      zerolog.Logger

	mu      sync.Mutex
	state   State
	running bool
}

type Option func(*Orchestrator) error

func WithSettings(settings *Settings) Option {
	return func(o *Orchestrator) error {
		o.settings = settings.Clone()
		return nil
	}
}

// WithCredentialSource enables the credential stage. Without a source the
// engine is called without a credential.
func WithCredentialSource(source CredentialSource) Option {
	return func(o *Orchestrator) error {
		o.credentials = source
		return nil
	}
}

// WithCredentialCache shares a cache between orchestrators.
func WithCredentialCache(cache *CredentialCache) Option {
	return func(o *Orchestrator) error {
		if cache == nil {
			return errors.New("credential cache is nil")
		}
		o.cache = cache
		return nil
	}
}

// WithStaleReplyGuard controls whether a reply is only folded into the
// transcript if the transcript has not been written since the request was
// built. It is on by default.
func WithStaleReplyGuard(enabled bool) Option {
	return func(o *Orchestrator) error {
		o.guardStale = enabled
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = logger
		return nil
	}
}

func NewOrchestrator(s *store.Store, engine Engine, machine MachineConfig, options ...Option) (*Orchestrator, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if err := machine.Validate(); err != nil {
		return nil, err
	}

	ret := &Orchestrator{
		store:      s,
		engine:     engine,
		machine:    machine,
		settings:   &Settings{},
		cache:      &CredentialCache{},
		guardStale: true,
		logger:     log.Logger,
	}
	for _, o := range options {
		if err := o(ret); err != nil {
			return nil, err
		}
	}
	ret.logger = ret.logger.With().Str("machine", machine.Name).Logger()
	return ret, nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Machine() MachineConfig {
	return o.machine
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrBusy
	}
	o.running = true
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

// Run performs one inference cycle. An empty transcript returns
// ErrNothingToSend without changing state. If no credential can be obtained
// the cycle is suspended in StateNeedsCredential and the returned error
// matches ErrCredentialRequired. Any other failure leaves the store untouched.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	return o.RunWithSettings(ctx, nil)
}

// RunWithSettings is Run with override merged over the configured settings
// for this cycle only.
func (o *Orchestrator) RunWithSettings(ctx context.Context, override *Settings) (*Outcome, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()
	return o.cycle(ctx, override)
}

// ResumeWithCredential caches credential and runs the cycle again from the
// credential stage.
func (o *Orchestrator) ResumeWithCredential(ctx context.Context, credential string) (*Outcome, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, &CredentialError{Err: errors.New("empty credential supplied")}
	}
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	o.cache.Set(credential)
	return o.cycle(ctx, nil)
}

func (o *Orchestrator) cycle(ctx context.Context, override *Settings) (*Outcome, error) {
	cycleID := uuid.NewString()
	ctx = helpers.ContextWithCorrelationID(ctx, cycleID)
	logger := o.logger.With().Str("cycle", cycleID).Logger()
	outcome := &Outcome{CycleID: cycleID}

	primary := o.store.PrimaryKey()
	doc, _, err := o.store.Document(ctx, primary)
	if err != nil {
		return nil, errors.Wrap(err, "could not read transcript")
	}
	if strings.TrimSpace(doc.Value) == "" {
		logger.Info().Msg("transcript is empty, nothing to send")
		return nil, ErrNothingToSend
	}

	o.setState(StateAwaitingCredential)
	credential, err := o.credential(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("no credential available, waiting for one to be supplied")
		o.setState(StateNeedsCredential)
		outcome.State = StateNeedsCredential
		return outcome, &CredentialError{Err: err}
	}

	grouped, err := messages.ToGroupedMessages(messages.TextSource(doc.Value), o.machine.Name)
	if err != nil {
		return o.fail(outcome, err)
	}
	flat, err := messages.ToFlatMessages(messages.TextSource(doc.Value), o.machine.Name)
	if err != nil {
		return o.fail(outcome, err)
	}

	req := &Request{
		Config:     o.machine,
		Settings:   o.settings.Merge(override),
		Messages:   grouped,
		Credential: credential,
	}

	o.setState(StateAwaitingReply)
	logger.Debug().Int("messages", len(grouped)).Uint64("revision", doc.Revision).Msg("dispatching inference request")
	reply, err := o.await(ctx, req)
	if err != nil {
		logger.Warn().Err(err).Msg("inference failed")
		return o.fail(outcome, err)
	}
	if reply.Type == ReplyError {
		logger.Warn().Str("error", reply.ErrorMessage()).Msg("inference service reported an error")
		if reply.Unauthorized {
			logger.Info().Msg("credential rejected, clearing cached credential")
			o.cache.Clear()
		}
		return o.fail(outcome, &ExternalError{Op: "inference", Err: errors.New(reply.ErrorMessage())})
	}

	regular, reasoning := SplitReply(reply.Parts())
	outcome.Reply = regular
	outcome.Reasoning = reasoning
	outcome.Passed = regular == "" || messages.IsPassUtterance(regular)
	outcome.Transcript = doc.Value
	outcome.PrimaryRevision = doc.Revision

	if !outcome.Passed {
		text := messages.FlatMessagesToTranscriptText(messages.FoldAssistantReply(flat, o.machine.Name, regular))
		expected := uint64(0)
		if o.guardStale {
			expected = doc.Revision
		}
		written, err := o.store.SetIfRevision(ctx, primary, text, expected)
		if err != nil {
			logger.Warn().Err(err).Msg("could not fold reply into transcript")
			return o.fail(outcome, err)
		}
		outcome.Transcript = written.Value
		outcome.PrimaryRevision = written.Revision
	} else {
		logger.Info().Str("reply", regular).Msg("machine passed, transcript left unchanged")
	}

	// Any transcript write above stands, so a notes failure is only a warning.
	if reasoning != "" {
		if _, err := o.store.Set(ctx, o.store.AuxiliaryKey(), reasoning); err != nil {
			logger.Warn().Err(err).Msg("could not store reasoning")
			outcome.Warnings = append(outcome.Warnings, errors.Wrap(err, "could not store reasoning").Error())
		} else {
			outcome.AuxiliaryWritten = true
		}
	}

	o.setState(StateApplied)
	outcome.State = StateApplied
	logger.Info().
		Bool("passed", outcome.Passed).
		Bool("reasoning", outcome.AuxiliaryWritten).
		Uint64("revision", outcome.PrimaryRevision).
		Msg("inference cycle applied")
	return outcome, nil
}

func (o *Orchestrator) credential(ctx context.Context) (string, error) {
	if o.credentials == nil {
		return "", nil
	}
	if v, ok := o.cache.Get(); ok {
		return v, nil
	}
	v, err := o.credentials.FetchCredential(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", &ExternalError{Op: "credential", Err: errors.New("empty credential")}
	}
	o.cache.Set(v)
	return v, nil
}

// await dispatches exactly one request and waits for its single reply.
func (o *Orchestrator) await(ctx context.Context, req *Request) (*Reply, error) {
	replies := make(chan helpers.Result[*Reply], 1)
	go func() {
		reply, err := o.engine.RunInference(ctx, req)
		replies <- helpers.NewResult(reply, err)
	}()

	r, ok := helpers.Await[*Reply](ctx.Done(), replies)
	if !ok {
		return nil, &ExternalError{Op: "inference", Err: ctx.Err()}
	}
	reply, err := r.Value()
	if err != nil {
		var external *ExternalError
		if errors.As(err, &external) {
			return nil, err
		}
		return nil, &ExternalError{Op: "inference", Err: err}
	}
	if err := reply.Validate(); err != nil {
		return nil, &ExternalError{Op: "inference", Err: err}
	}
	return reply, nil
}

func (o *Orchestrator) fail(outcome *Outcome, err error) (*Outcome, error) {
	o.setState(StateFailed)
	outcome.State = StateFailed
	return outcome, err
}
