package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	envprovider "github.com/goliatone/go-config/koanf/providers/env"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-workqueue/core"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/v2"
)

const (
	DefaultPrefix    = "WORKQUEUE_"
	DefaultDelimiter = "__"
	DefaultEnvFile   = ".env"

	secretKey    = "GATEWAY_SECRET"
	secretPrefix = secretKey + "_"
)

// EnvLoader implements core.RawConfigLoader on top of the go-config env
// provider. Files are loaded into the process environment first and never
// replace variables that are already set.
//
// Nesting follows Delimiter: WORKQUEUE_QUEUE__LEASE_TIMEOUT=90s sets
// queue.lease_timeout. GATEWAY_SECRET sets the default secret and
// GATEWAY_SECRET_<SOURCE> sets a per-source secret keyed by the lowercased
// source name.
type EnvLoader struct {
	Prefix    string
	Delimiter string
	Files     []string

	logger glog.Logger
}

type EnvOption func(*EnvLoader)

func WithPrefix(prefix string) EnvOption {
	return func(l *EnvLoader) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			l.Prefix = trimmed
		}
	}
}

func WithDelimiter(delim string) EnvOption {
	return func(l *EnvLoader) {
		if delim != "" {
			l.Delimiter = delim
		}
	}
}

func WithFiles(files ...string) EnvOption {
	return func(l *EnvLoader) {
		l.Files = append([]string(nil), files...)
	}
}

func WithLogger(logger glog.Logger) EnvOption {
	return func(l *EnvLoader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewEnvLoader(opts ...EnvOption) *EnvLoader {
	loader := &EnvLoader{
		Prefix:    DefaultPrefix,
		Delimiter: DefaultDelimiter,
		Files:     []string{DefaultEnvFile},
		logger:    glog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loader)
		}
	}
	return loader
}

// LoadRaw returns string leaves; cfgx decodes them into typed fields.
func (l *EnvLoader) LoadRaw(context.Context) (map[string]any, error) {
	if l == nil {
		return map[string]any{}, nil
	}
	if err := l.loadFiles(); err != nil {
		return nil, err
	}

	provider := envprovider.ProviderWithValue(l.prefix(), ".", l.keyFor)
	provider.SetLogger(providerLogger{logger: l.logger})

	k := koanf.New(".")
	if err := k.Load(provider, json.Parser()); err != nil {
		return nil, core.BadInputError("config: read environment", map[string]any{
			"prefix": l.prefix(),
			"error":  err.Error(),
		})
	}
	return k.Raw(), nil
}

// keyFor maps a variable name to a dotted config path. An empty path drops
// the variable.
func (l *EnvLoader) keyFor(name, value string) (string, any) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	suffix := strings.TrimPrefix(name, l.prefix())
	if suffix == secretKey {
		return "gateway.secrets." + core.DefaultSecretKey, value
	}
	if source, ok := strings.CutPrefix(suffix, secretPrefix); ok && source != "" {
		return "gateway.secrets." + strings.ToLower(source), value
	}
	delim := l.Delimiter
	if delim == "" {
		delim = DefaultDelimiter
	}
	return strings.ReplaceAll(strings.ToLower(suffix), strings.ToLower(delim), "."), value
}

func (l *EnvLoader) prefix() string {
	if strings.TrimSpace(l.Prefix) == "" {
		return DefaultPrefix
	}
	return l.Prefix
}

func (l *EnvLoader) loadFiles() error {
	for _, file := range l.Files {
		if strings.TrimSpace(file) == "" {
			continue
		}
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return core.BadInputError("config: read env file", map[string]any{
				"file":  file,
				"error": err.Error(),
			})
		}
	}
	return nil
}

// providerLogger keeps the env provider quiet at debug level, where it
// prints raw variables including secrets.
type providerLogger struct {
	logger glog.Logger
}

func (p providerLogger) Debug(string, ...any) {}

func (p providerLogger) Info(format string, args ...any) {
	p.logger.Info(format, args...)
}

func (p providerLogger) Error(format string, args ...any) {
	p.logger.Error(format, args...)
}

var _ core.RawConfigLoader = (*EnvLoader)(nil)
