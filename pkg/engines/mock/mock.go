package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Engine replies without calling any service. With scripted replies it
// rotates through them; without, it echoes the last utterance of the request.
type Engine struct {
	mu      sync.Mutex
	replies []*inference.Reply
	next    int

	// Delay is waited before replying, so that interruption can be tested.
	Delay time.Duration
	calls []*inference.Request
}

var _ inference.Engine = (*Engine)(nil)

func New(replies ...*inference.Reply) *Engine {
	return &Engine{replies: replies}
}

// Calls returns the requests received so far.
func (e *Engine) Calls() []*inference.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*inference.Request(nil), e.calls...)
}

func (e *Engine) nextReply(req *inference.Request) *inference.Reply {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)

	if len(e.replies) > 0 {
		r := e.replies[e.next%len(e.replies)]
		e.next++
		return r
	}
	return echo(req.Messages)
}

func echo(msgs []messages.GroupedMessage) *inference.Reply {
	if len(msgs) == 0 {
		return inference.NewErrorReply("nothing to echo")
	}
	last := msgs[len(msgs)-1]
	if len(last.Parts) == 0 {
		return inference.NewErrorReply("nothing to echo")
	}
	text := last.Parts[len(last.Parts)-1].Text
	if _, body, ok := strings.Cut(text, ": "); ok {
		text = body
	}
	return inference.NewSuccessReply(inference.TextPart(text))
}

func (e *Engine) RunInference(ctx context.Context, req *inference.Request) (*inference.Reply, error) {
	if req == nil {
		return nil, errors.New("no request")
	}

	eg, ctx := errgroup.WithContext(ctx)
	var reply *inference.Reply
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Delay):
			reply = e.nextReply(req)
			return nil
		}
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return reply, nil
}
