package cmds

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/go-go-golems/multilogue/pkg/config"
	"github.com/go-go-golems/multilogue/pkg/engines"
	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configFlags maps persistent flags onto configuration keys.
var configFlags = []struct {
	flag  string
	key   string
	usage string
}{
	{"machine-name", "machine.name", "Speaker name of the model in the transcript"},
	{"engine", "machine.engine", "Inference engine (gemini, openai, ollama, worker, mock)"},
	{"work", "machine.work", "Executable run by the worker engine"},
	{"model", "machine.model", "Model requested from the inference service"},
	{"base-url", "machine.base-url", "Base URL of the inference service"},
	{"credential-endpoint", "machine.credential-endpoint", "URL the credential is fetched from"},
	{"store-backend", "store.backend", "Document store backend (memory, file, sqlite, redis)"},
	{"store-path", "store.path", "Directory of the file backend"},
	{"store-dsn", "store.dsn", "Database of the sqlite backend"},
	{"store-redis", "store.redis", "URL of the redis backend"},
	{"relay", "relay.kind", "Change relay between processes (none, redis, amqp)"},
	{"relay-url", "relay.url", "URL of the change relay"},
}

func AddConfigFlags(fs *pflag.FlagSet) {
	for _, f := range configFlags {
		fs.String(f.flag, "", f.usage)
	}
}

// BindConfigFlags binds the flags added by AddConfigFlags to v.
func BindConfigFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, f := range configFlags {
		flag := fs.Lookup(f.flag)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(f.key, flag); err != nil {
			return errors.Wrapf(err, "could not bind --%s", f.flag)
		}
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	c, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func openStore(ctx context.Context, c *config.Config) (*store.Store, config.Closer, error) {
	return c.OpenStore(ctx, store.WithLogger(log.Logger))
}

func newOrchestrator(c *config.Config, st *store.Store) (*inference.Orchestrator, error) {
	engine, err := engines.New(c.Machine)
	if err != nil {
		return nil, err
	}
	options := []inference.Option{
		inference.WithSettings(&c.LLM),
		inference.WithStaleReplyGuard(c.Orchestrator.GuardStaleReplies),
		inference.WithLogger(log.Logger),
	}
	if source := engines.CredentialSource(c.Machine); source != nil {
		options = append(options, inference.WithCredentialSource(source))
	}
	return inference.NewOrchestrator(st, engine, c.Machine, options...)
}

// readInput reads the named file, or stdin for "-" or no name.
func readInput(args []string, stdin io.Reader) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", errors.Wrap(err, "could not read stdin")
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", errors.Wrapf(err, "could not read %s", args[0])
	}
	return string(b), nil
}

func printStructured(w io.Writer, format string, v interface{}) error {
	switch strings.ToLower(format) {
	case "yaml":
		// go through JSON so json tags and custom marshalers apply, the node
		// keeps the key order
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var node yaml.Node
		if err := yaml.Unmarshal(b, &node); err != nil {
			return err
		}
		clearStyle(&node)
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		enc.SetIndent(2)
		return enc.Encode(&node)
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}

// settingsValues turns name=value pairs into the query form the settings
// parser reads.
func settingsValues(pairs []string) url.Values {
	values := url.Values{}
	for _, p := range pairs {
		name, value, _ := strings.Cut(p, "=")
		values.Add(strings.TrimSpace(name), value)
	}
	return values
}

// clearStyle drops the flow and quoting style JSON input leaves on nodes.
func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}
