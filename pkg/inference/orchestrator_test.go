package inference

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transcriptText = "Alice: hello\n\nBob: anyone?\n\n"

func newTestStore(t *testing.T, text string) *store.Store {
	t.Helper()
	s := store.New(store.NewMemoryBackend())
	if text != "" {
		_, err := s.Set(context.Background(), s.PrimaryKey(), text)
		require.NoError(t, err)
	}
	return s
}

func replyWith(reply *Reply) Engine {
	return EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		return reply, nil
	})
}

func get(t *testing.T, s *store.Store, key store.Key) string {
	t.Helper()
	v, _, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	return v
}

func TestOrchestratorAppliesReply(t *testing.T) {
	s := newTestStore(t, transcriptText)

	var got *Request
	engine := EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		got = req
		return NewSuccessReply(TextPart("Hi <b>both</b>\n\n\nof you")), nil
	})

	o, err := NewOrchestrator(s, engine, MachineConfig{Name: "BOT"})
	require.NoError(t, err)

	outcome, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateApplied, outcome.State)
	assert.Equal(t, StateApplied, o.State())
	assert.False(t, outcome.Passed)
	assert.False(t, outcome.AuxiliaryWritten)

	require.NotNil(t, got)
	assert.Equal(t, []messages.GroupedMessage{
		{Role: messages.GroupedRoleUser, Parts: []messages.Part{{Text: "Alice: hello"}, {Text: "Bob: anyone?"}}},
	}, got.Messages)
	assert.Equal(t, "BOT", got.Config.Name)

	want := "Alice: hello\n\nBob: anyone?\n\nBOT: Hi both\n\tof you\n\n"
	assert.Equal(t, want, get(t, s, s.PrimaryKey()))
	assert.Equal(t, want, outcome.Transcript)

	_, ok, err := s.Get(context.Background(), s.AuxiliaryKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrchestratorReasoningAlongsideReply(t *testing.T) {
	s := newTestStore(t, transcriptText)
	o, err := NewOrchestrator(s, replyWith(NewSuccessReply(
		ThoughtPart("They want a <i>greeting</i>."),
		TextPart("Hello &amp; welcome"),
	)), MachineConfig{Name: "BOT"})
	require.NoError(t, err)

	var auxEvents []store.ChangeEvent
	s.OnChange(s.AuxiliaryKey(), func(_ context.Context, e store.ChangeEvent) {
		auxEvents = append(auxEvents, e)
	})

	outcome, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.AuxiliaryWritten)

	assert.Equal(t, transcriptText+"BOT: Hello & welcome\n\n", get(t, s, s.PrimaryKey()))
	assert.Equal(t, "They want a greeting.", get(t, s, s.AuxiliaryKey()))
	require.Len(t, auxEvents, 1)
	assert.Equal(t, "They want a greeting.", auxEvents[0].Value)
}

type rejectingBackend struct {
	store.Backend
	reject store.Key
}

func (b *rejectingBackend) Put(ctx context.Context, key store.Key, value string, expected uint64) (store.Document, error) {
	if key == b.reject {
		return store.Document{}, errors.New("disk full")
	}
	return b.Backend.Put(ctx, key, value, expected)
}

func TestOrchestratorReasoningWriteFailure(t *testing.T) {
	tests := []struct {
		name      string
		reply     *Reply
		want      string
		passed    bool
		warnings  int
		auxiliary bool
	}{
		{
			name:     "reply folded",
			reply:    NewSuccessReply(ThoughtPart("greet them"), TextPart("Hello")),
			want:     transcriptText + "BOT: Hello\n\n",
			warnings: 1,
		},
		{
			name:     "pass",
			reply:    NewSuccessReply(ThoughtPart("stay quiet"), TextPart("pass")),
			want:     transcriptText,
			passed:   true,
			warnings: 1,
		},
		{
			name:  "no reasoning",
			reply: NewSuccessReply(TextPart("Hello")),
			want:  transcriptText + "BOT: Hello\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.New(&rejectingBackend{Backend: store.NewMemoryBackend(), reject: store.AuxiliaryKey})
			_, err := s.Set(context.Background(), s.PrimaryKey(), transcriptText)
			require.NoError(t, err)
			o, err := NewOrchestrator(s, replyWith(tt.reply), MachineConfig{Name: "BOT"})
			require.NoError(t, err)

			outcome, err := o.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, StateApplied, outcome.State)
			assert.Equal(t, StateApplied, o.State())
			assert.Equal(t, tt.passed, outcome.Passed)
			assert.False(t, outcome.AuxiliaryWritten)
			assert.Len(t, outcome.Warnings, tt.warnings)
			for _, w := range outcome.Warnings {
				assert.Contains(t, w, "disk full")
			}
			assert.Equal(t, tt.want, get(t, s, s.PrimaryKey()))
			assert.Equal(t, tt.want, outcome.Transcript)
		})
	}
}

func TestOrchestratorPassUtterances(t *testing.T) {
	for _, pass := range []string{"pass", " PASS ", "...", "Silence", ""} {
		t.Run(pass, func(t *testing.T) {
			s := newTestStore(t, transcriptText)
			before, err := s.Revision(context.Background(), s.PrimaryKey())
			require.NoError(t, err)

			o, err := NewOrchestrator(s, replyWith(NewSuccessReply(
				TextPart(pass),
				ThoughtPart("nothing to add"),
			)), MachineConfig{Name: "BOT"})
			require.NoError(t, err)

			outcome, err := o.Run(context.Background())
			require.NoError(t, err)
			assert.True(t, outcome.Passed)
			assert.Equal(t, StateApplied, outcome.State)

			assert.Equal(t, transcriptText, get(t, s, s.PrimaryKey()))
			after, err := s.Revision(context.Background(), s.PrimaryKey())
			require.NoError(t, err)
			assert.Equal(t, before, after)

			assert.Equal(t, "nothing to add", get(t, s, s.AuxiliaryKey()))
		})
	}
}

func TestOrchestratorFailures(t *testing.T) {
	tests := []struct {
		name   string
		engine Engine
		isErr  error
	}{
		{
			name:   "error reply",
			engine: replyWith(NewErrorReply("quota exceeded")),
			isErr:  ErrExternal,
		},
		{
			name: "transport failure",
			engine: EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
				return nil, errors.New("connection refused")
			}),
			isErr: ErrExternal,
		},
		{
			name:   "malformed reply",
			engine: replyWith(&Reply{Type: ReplySuccess}),
			isErr:  ErrInvalidReply,
		},
		{
			name:   "nil reply",
			engine: replyWith(nil),
			isErr:  ErrInvalidReply,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, transcriptText)
			o, err := NewOrchestrator(s, tt.engine, MachineConfig{Name: "BOT"})
			require.NoError(t, err)

			outcome, err := o.Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.isErr)
			assert.ErrorIs(t, err, ErrExternal)
			require.NotNil(t, outcome)
			assert.Equal(t, StateFailed, outcome.State)
			assert.Equal(t, StateFailed, o.State())

			assert.Equal(t, transcriptText, get(t, s, s.PrimaryKey()))
			rev, err := s.Revision(context.Background(), s.PrimaryKey())
			require.NoError(t, err)
			assert.Equal(t, uint64(1), rev)
		})
	}
}

func TestOrchestratorNothingToSend(t *testing.T) {
	for _, text := range []string{"", "  \n\n "} {
		s := newTestStore(t, text)
		called := false
		o, err := NewOrchestrator(s, EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			called = true
			return NewSuccessReply(TextPart("x")), nil
		}), MachineConfig{Name: "BOT"})
		require.NoError(t, err)

		outcome, err := o.Run(context.Background())
		assert.ErrorIs(t, err, ErrNothingToSend)
		assert.Nil(t, outcome)
		assert.Equal(t, StateIdle, o.State())
		assert.False(t, called)
	}
}

type countingSource struct {
	calls int
	value string
	err   error
}

func (c *countingSource) FetchCredential(context.Context) (string, error) {
	c.calls++
	return c.value, c.err
}

func TestOrchestratorCredentialStage(t *testing.T) {
	s := newTestStore(t, transcriptText)
	source := &countingSource{value: "key-1"}

	var credentials []string
	engine := EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		credentials = append(credentials, req.Credential)
		return NewSuccessReply(TextPart("pass")), nil
	})
	o, err := NewOrchestrator(s, engine, MachineConfig{Name: "BOT"}, WithCredentialSource(source))
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls, "credential is fetched once and cached")
	assert.Equal(t, []string{"key-1", "key-1"}, credentials)
}

func TestOrchestratorRejectedCredential(t *testing.T) {
	tests := []struct {
		name       string
		reply      *Reply
		wantClear  bool
		wantCalls  int
		wantSecond string
	}{
		{
			name:       "unauthorized",
			reply:      NewUnauthorizedReply("API key not valid"),
			wantClear:  true,
			wantCalls:  2,
			wantSecond: "key-2",
		},
		{
			name:       "other service error",
			reply:      NewErrorReply("quota exceeded"),
			wantCalls:  1,
			wantSecond: "key-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, transcriptText)
			source := &countingSource{value: "key-1"}
			cache := &CredentialCache{}

			var credentials []string
			engine := EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
				credentials = append(credentials, req.Credential)
				if len(credentials) == 1 {
					return tt.reply, nil
				}
				return NewSuccessReply(TextPart("Hello")), nil
			})
			o, err := NewOrchestrator(s, engine, MachineConfig{Name: "BOT"},
				WithCredentialSource(source), WithCredentialCache(cache))
			require.NoError(t, err)

			outcome, err := o.Run(context.Background())
			assert.ErrorIs(t, err, ErrExternal)
			require.NotNil(t, outcome)
			assert.Equal(t, StateFailed, outcome.State)
			_, cached := cache.Get()
			assert.Equal(t, !tt.wantClear, cached)

			source.value = "key-2"
			outcome, err = o.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, StateApplied, outcome.State)
			assert.Equal(t, tt.wantCalls, source.calls)
			assert.Equal(t, []string{"key-1", tt.wantSecond}, credentials)
		})
	}
}

func TestOrchestratorNeedsManualCredential(t *testing.T) {
	s := newTestStore(t, transcriptText)
	source := &countingSource{err: &ExternalError{Op: "credential", Err: errors.New("503")}}

	var credentials []string
	engine := EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		credentials = append(credentials, req.Credential)
		return NewSuccessReply(TextPart("Hello")), nil
	})
	o, err := NewOrchestrator(s, engine, MachineConfig{Name: "BOT"}, WithCredentialSource(source))
	require.NoError(t, err)

	outcome, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrCredentialRequired)
	assert.ErrorIs(t, err, ErrExternal)
	require.NotNil(t, outcome)
	assert.Equal(t, StateNeedsCredential, outcome.State)
	assert.Equal(t, StateNeedsCredential, o.State())
	assert.Empty(t, credentials)
	assert.Equal(t, transcriptText, get(t, s, s.PrimaryKey()))

	_, err = o.ResumeWithCredential(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrCredentialRequired)

	outcome, err = o.ResumeWithCredential(context.Background(), "manual-key")
	require.NoError(t, err)
	assert.Equal(t, StateApplied, outcome.State)
	assert.Equal(t, []string{"manual-key"}, credentials)
	assert.Equal(t, transcriptText+"BOT: Hello\n\n", get(t, s, s.PrimaryKey()))
	assert.Equal(t, 1, source.calls)
}

func TestOrchestratorStaleReplyGuard(t *testing.T) {
	const edited = "Alice: never mind\n\n"

	for _, guard := range []bool{true, false} {
		t.Run(map[bool]string{true: "guarded", false: "unguarded"}[guard], func(t *testing.T) {
			s := newTestStore(t, transcriptText)
			engine := EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
				// a manual edit lands while the request is in flight
				_, err := s.Set(ctx, s.PrimaryKey(), edited)
				assert.NoError(t, err)
				return NewSuccessReply(TextPart("late answer"), ThoughtPart("slow")), nil
			})
			o, err := NewOrchestrator(s, engine, MachineConfig{Name: "BOT"}, WithStaleReplyGuard(guard))
			require.NoError(t, err)

			outcome, err := o.Run(context.Background())
			if guard {
				assert.ErrorIs(t, err, store.ErrVersionConflict)
				assert.Equal(t, StateFailed, outcome.State)
				assert.Equal(t, edited, get(t, s, s.PrimaryKey()))
				_, ok, err := s.Get(context.Background(), s.AuxiliaryKey())
				require.NoError(t, err)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, transcriptText+"BOT: late answer\n\n", get(t, s, s.PrimaryKey()))
			assert.Equal(t, "slow", get(t, s, s.AuxiliaryKey()))
		})
	}
}

func TestOrchestratorRejectsOverlappingCycles(t *testing.T) {
	s := newTestStore(t, transcriptText)
	started := make(chan struct{})
	release := make(chan struct{})
	engine := EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		close(started)
		<-release
		return NewSuccessReply(TextPart("done")), nil
	})
	o, err := NewOrchestrator(s, engine, MachineConfig{Name: "BOT"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := o.Run(context.Background())
		assert.NoError(t, err)
	}()

	<-started
	assert.Equal(t, StateAwaitingReply, o.State())
	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	wg.Wait()
	assert.Equal(t, StateApplied, o.State())
}

func TestOrchestratorCancelledWhileAwaiting(t *testing.T) {
	s := newTestStore(t, transcriptText)
	engine := EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		time.Sleep(time.Second)
		return NewSuccessReply(TextPart("too late")), nil
	})
	o, err := NewOrchestrator(s, engine, MachineConfig{Name: "BOT"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome, err := o.Run(ctx)
	assert.ErrorIs(t, err, ErrExternal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, transcriptText, get(t, s, s.PrimaryKey()))
}

func TestNewOrchestratorRequiresMachineName(t *testing.T) {
	_, err := NewOrchestrator(newTestStore(t, ""), replyWith(nil), MachineConfig{})
	assert.ErrorIs(t, err, messages.ErrMissingConfiguration)
}

func TestOrchestratorRunWithSettings(t *testing.T) {
	s := newTestStore(t, transcriptText)

	var got []*Settings
	engine := EngineFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		got = append(got, req.Settings)
		return NewSuccessReply(TextPart("ok")), nil
	})
	temperature, topP := 0.2, 0.9
	o, err := NewOrchestrator(s, engine, MachineConfig{Name: "BOT"},
		WithSettings(&Settings{Temperature: &temperature}),
		WithStaleReplyGuard(false))
	require.NoError(t, err)

	override := 1.5
	_, err = o.RunWithSettings(context.Background(), &Settings{Temperature: &override, TopP: &topP})
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, 1.5, *got[0].Temperature)
	assert.Equal(t, 0.9, *got[0].TopP)
	assert.Equal(t, 0.2, *got[1].Temperature, "override applies to one cycle only")
	assert.Nil(t, got[1].TopP)
}
