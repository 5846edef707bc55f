package stmtcache

import (
	"reflect"
	"time"

	"github.com/agentuity/go-stmtcache/logger"
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPrepareTimeout bounds a single statement preparation when the
// caller's context carries no earlier deadline.
const DefaultPrepareTimeout = 5 * time.Second

// DefaultCloseConcurrency is the number of groups closed in parallel by a
// bulk eviction.
const DefaultCloseConcurrency = 4

const (
	EnvPrepareTimeout   = "STMTCACHE_PREPARE_TIMEOUT"
	EnvCloseConcurrency = "STMTCACHE_CLOSE_CONCURRENCY"
)

// CloseErrorHandler receives close failures from evictions that have no
// caller to return them to, i.e. those triggered by a context ending.
type CloseErrorHandler func(owner ContextID, errs CloseErrors)

type config struct {
	logger           logger.Logger
	prepareTimeout   time.Duration
	closeConcurrency int
	onCloseError     CloseErrorHandler
	tracer           trace.Tracer
	now              func() time.Time
}

// Option configures a Cache.
type Option func(*config)

func defaultConfig() config {
	return config{
		logger:           logger.NewConsoleLogger(logger.LevelError),
		prepareTimeout:   DefaultPrepareTimeout,
		closeConcurrency: DefaultCloseConcurrency,
		tracer:           tracer,
		now:              time.Now,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.closeConcurrency < 1 {
		cfg.closeConcurrency = 1
	}
	return cfg
}

// WithLogger sets the logger. Defaults to a console logger at error level.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithPrepareTimeout bounds each preparation round trip. A round trip is
// shared by every caller waiting on the same text and is not cancelled when
// one of them gives up, so zero leaves it bounded only by the connection.
// Defaults to DefaultPrepareTimeout.
func WithPrepareTimeout(d time.Duration) Option {
	return func(c *config) { c.prepareTimeout = d }
}

// WithCloseConcurrency sets how many groups a bulk eviction closes in
// parallel. Values below 1 are treated as 1.
func WithCloseConcurrency(n int) Option {
	return func(c *config) { c.closeConcurrency = n }
}

// WithCloseErrorHandler registers a callback for close failures raised by
// context-termination evictions. They are logged at error level regardless.
func WithCloseErrorHandler(fn CloseErrorHandler) Option {
	return func(c *config) { c.onCloseError = fn }
}

// WithTracer replaces the OpenTelemetry tracer used for Prepare and Evict
// spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// WithClock overrides the clock used to stamp Handle.CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

type envConfig struct {
	PrepareTimeout   time.Duration `env:"STMTCACHE_PREPARE_TIMEOUT"`
	CloseConcurrency int           `env:"STMTCACHE_CLOSE_CONCURRENCY"`
}

var envParsers = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(time.Duration(0)): func(v string) (interface{}, error) {
		return str2duration.ParseDuration(v)
	},
}

// OptionsFromEnv reads STMTCACHE_PREPARE_TIMEOUT (a duration such as "750ms",
// "1m30s" or "2d") and STMTCACHE_CLOSE_CONCURRENCY. Unset variables keep
// their defaults.
func OptionsFromEnv() ([]Option, error) {
	cfg := envConfig{
		PrepareTimeout:   DefaultPrepareTimeout,
		CloseConcurrency: DefaultCloseConcurrency,
	}
	if err := env.ParseWithOptions(&cfg, env.Options{FuncMap: envParsers}); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if cfg.PrepareTimeout < 0 {
		return nil, errors.Newf("%s must not be negative, got %s", EnvPrepareTimeout, cfg.PrepareTimeout)
	}
	return []Option{
		WithPrepareTimeout(cfg.PrepareTimeout),
		WithCloseConcurrency(cfg.CloseConcurrency),
	}, nil
}
