package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CredentialEnv is the variable the credential is passed to the worker in.
// It is never written to the worker's stdin.
const CredentialEnv = "MULTILOGUE_CREDENTIAL"

const DefaultTimeout = 5 * time.Minute

// Engine runs an external program once per cycle. The request is written as
// JSON to its stdin and the reply is read as JSON from its stdout.
type Engine struct {
	command string
	args    []string
	env     []string
	timeout time.Duration
}

var _ inference.Engine = (*Engine)(nil)

type Option func(*Engine)

func WithArgs(args ...string) Option {
	return func(e *Engine) {
		e.args = append(e.args, args...)
	}
}

func WithEnv(env ...string) Option {
	return func(e *Engine) {
		e.env = append(e.env, env...)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// New splits machine.Work on whitespace into the command and its arguments.
func New(machine inference.MachineConfig, options ...Option) (*Engine, error) {
	fields := strings.Fields(machine.Work)
	if len(fields) == 0 {
		return nil, errors.New("worker engine needs a work command")
	}
	ret := &Engine{
		command: fields[0],
		args:    fields[1:],
		timeout: DefaultTimeout,
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

func (e *Engine) RunInference(ctx context.Context, req *inference.Request) (*inference.Reply, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Env = append(append(os.Environ(), e.env...), CredentialEnv+"="+req.Credential)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("command", e.command).Strs("args", e.args).Msg("starting worker")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return inference.NewErrorReply("worker failed: " + msg), nil
	}
	if stderr.Len() > 0 {
		log.Debug().Str("stderr", stderr.String()).Msg("worker wrote to stderr")
	}

	reply, err := inference.DecodeReply(stdout.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "could not decode worker reply")
	}
	return reply, nil
}
