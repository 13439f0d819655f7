// Package engines builds the inference.Engine selected by a machine
// configuration.
package engines

import (
	"strings"

	"github.com/go-go-golems/multilogue/pkg/engines/gemini"
	"github.com/go-go-golems/multilogue/pkg/engines/mock"
	"github.com/go-go-golems/multilogue/pkg/engines/ollama"
	"github.com/go-go-golems/multilogue/pkg/engines/openai"
	"github.com/go-go-golems/multilogue/pkg/engines/worker"
	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/pkg/errors"
)

const (
	EngineGemini = "gemini"
	EngineOpenAI = "openai"
	EngineOllama = "ollama"
	EngineWorker = "worker"
	EngineMock   = "mock"
)

var ErrUnknownEngine = errors.New("unknown engine")

// Names lists the engines New understands.
func Names() []string {
	return []string{EngineGemini, EngineOpenAI, EngineOllama, EngineWorker, EngineMock}
}

// Resolve returns the engine name machine selects. An empty name selects the
// worker engine when a work command is configured and gemini otherwise.
func Resolve(machine inference.MachineConfig) string {
	name := strings.ToLower(strings.TrimSpace(machine.Engine))
	if name != "" {
		return name
	}
	if strings.TrimSpace(machine.Work) != "" {
		return EngineWorker
	}
	return EngineGemini
}

// New returns the engine named by machine.Engine, see Resolve.
func New(machine inference.MachineConfig) (inference.Engine, error) {
	switch Resolve(machine) {
	case EngineGemini:
		return gemini.New(machine), nil
	case EngineOpenAI:
		return openai.New(machine), nil
	case EngineOllama:
		return ollama.New(machine)
	case EngineWorker:
		return worker.New(machine)
	case EngineMock:
		return mock.New(), nil
	default:
		return nil, errors.Wrapf(ErrUnknownEngine, "%q", machine.Engine)
	}
}

// credentialEnv lists the environment variables consulted per engine.
var credentialEnv = map[string][]string{
	EngineGemini: {worker.CredentialEnv, "GEMINI_API_KEY", "GOOGLE_API_KEY"},
	EngineOpenAI: {worker.CredentialEnv, "OPENAI_API_KEY"},
	EngineWorker: {worker.CredentialEnv},
}

// CredentialSource returns where the credential of machine comes from: the
// credential endpoint when one is configured, then the environment. Engines
// that need no credential get nil, which skips the credential stage.
func CredentialSource(machine inference.MachineConfig) inference.CredentialSource {
	names, ok := credentialEnv[Resolve(machine)]
	if !ok {
		return nil
	}
	env := inference.EnvCredentialSource{Names: names}
	if strings.TrimSpace(machine.CredentialEndpoint) == "" {
		return env
	}
	return inference.ChainCredentialSource{
		&inference.HTTPCredentialSource{Endpoint: machine.CredentialEndpoint},
		env,
	}
}
