// Package config loads the multilogue configuration from files, the
// environment and command line flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/multilogue/pkg/companion"
	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	AppName   = "multilogue"
	EnvPrefix = "MULTILOGUE"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"

	RelayNone  = "none"
	RelayRedis = "redis"
	RelayAMQP  = "amqp"
)

type KeysConfig struct {
	Primary   string `mapstructure:"primary" yaml:"primary"`
	Auxiliary string `mapstructure:"auxiliary" yaml:"auxiliary"`
}

type StoreConfig struct {
	Backend string     `mapstructure:"backend" yaml:"backend"`
	Path    string     `mapstructure:"path" yaml:"path"`
	DSN     string     `mapstructure:"dsn" yaml:"dsn"`
	Redis   string     `mapstructure:"redis" yaml:"redis"`
	Prefix  string     `mapstructure:"prefix" yaml:"prefix"`
	Keys    KeysConfig `mapstructure:"keys" yaml:"keys"`
	// Seed is a markup file used to initialize an absent transcript.
	Seed string `mapstructure:"seed" yaml:"seed"`
}

type RelayConfig struct {
	Kind     string `mapstructure:"kind" yaml:"kind"`
	URL      string `mapstructure:"url" yaml:"url"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	Exchange string `mapstructure:"exchange" yaml:"exchange"`
}

type CompanionConfig struct {
	Address        string        `mapstructure:"address" yaml:"address"`
	Handle         string        `mapstructure:"handle" yaml:"handle"`
	PrimaryAddress string        `mapstructure:"primary-address" yaml:"primary-address"`
	RedirectDelay  time.Duration `mapstructure:"redirect-delay" yaml:"redirect-delay"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type OrchestratorConfig struct {
	GuardStaleReplies bool `mapstructure:"guard-stale-replies" yaml:"guard-stale-replies"`
}

type Config struct {
	Machine      inference.MachineConfig `mapstructure:"machine" yaml:"machine"`
	LLM          inference.Settings      `mapstructure:"llm" yaml:"llm"`
	Store        StoreConfig             `mapstructure:"store" yaml:"store"`
	Relay        RelayConfig             `mapstructure:"relay" yaml:"relay"`
	Companion    CompanionConfig         `mapstructure:"companion" yaml:"companion"`
	Server       ServerConfig            `mapstructure:"server" yaml:"server"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator" yaml:"orchestrator"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	for _, k := range []string{"name", "engine", "work", "model", "base-url", "credential-endpoint"} {
		v.SetDefault("machine."+k, "")
	}
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.path", ".multilogue")
	v.SetDefault("store.dsn", "multilogue.db")
	v.SetDefault("store.redis", "redis://localhost:6379/0")
	v.SetDefault("store.prefix", AppName)
	v.SetDefault("store.keys.primary", string(store.PrimaryKey))
	v.SetDefault("store.keys.auxiliary", string(store.AuxiliaryKey))
	v.SetDefault("relay.kind", RelayNone)
	v.SetDefault("relay.topic", store.DefaultTopic)
	v.SetDefault("relay.exchange", AppName)
	v.SetDefault("companion.address", "/"+companion.DefaultAddress)
	v.SetDefault("companion.handle", companion.DefaultHandleName)
	v.SetDefault("companion.primary-address", companion.DefaultPrimaryAddress)
	v.SetDefault("companion.redirect-delay", companion.DefaultRedirectDelay)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("orchestrator.guard-stale-replies", true)
}

// LoadDotEnv loads the given .env files (or ./.env) into the process
// environment. Missing files are not an error. Variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "could not load %s", p)
		}
		log.Debug().Str("file", p).Msg("loaded environment file")
	}
	return nil
}

// Init sets up v the way the command line uses it: defaults, environment
// variables with the MULTILOGUE prefix, and an optional config file, either
// configPath or multilogue.yaml from the usual places.
func Init(v *viper.Viper, configPath string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(AppName)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/." + AppName)
		if xdg, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(xdg + "/" + AppName)
		}
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "could not read config")
	}
	log.Debug().Str("config", v.ConfigFileUsed()).Msg("loaded configuration")
	return nil
}

// FromViper decodes the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "could not decode config")
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Relay.Kind = strings.ToLower(strings.TrimSpace(c.Relay.Kind))
	if c.Relay.Kind == "" {
		c.Relay.Kind = RelayNone
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendSQLite, BackendRedis:
	default:
		return errors.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Relay.Kind {
	case RelayNone, RelayRedis, RelayAMQP:
	default:
		return errors.Errorf("unknown relay kind %q", c.Relay.Kind)
	}
	if c.Relay.Kind == RelayAMQP && c.Relay.URL == "" {
		return errors.New("amqp relay needs relay.url")
	}
	return nil
}

// Keys returns the configured store keys.
func (c *Config) Keys() (store.Key, store.Key) {
	return store.Key(c.Store.Keys.Primary), store.Key(c.Store.Keys.Auxiliary)
}
