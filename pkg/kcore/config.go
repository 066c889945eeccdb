package kcore

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creasty/defaults"
)

// Config holds every tunable knob for a Router/Producer/Consumer.
// Numeric defaults are filled by github.com/creasty/defaults so the
// zero-value Config never silently becomes "refresh every lookup" or
// "never batch".
type Config struct {
	ClientID string `default:"kcore"`
	Log      Logger

	// Connection / dialing.
	DialFunc           DialFunc
	DialTimeout        time.Duration `default:"10s"`
	MaxBrokerReadBytes int32         `default:"104857600"`
	SASL               SASLMechanism

	// Router / metadata cache.
	CacheExpiration time.Duration `default:"10ms"`
	RefreshTimeout  time.Duration `default:"200s"`
	// RefreshRetry is stored but not consulted: a Router refresh sends a
	// single MetadataRequest and does not retry it.
	RefreshRetry    backoff.BackOff

	// Send coordinator.
	SendRetry backoff.BackOff

	// Producer.
	RequestParallelization int           `default:"100"`
	BatchSize              int           `default:"200"`
	BatchMaxDelay          time.Duration `default:"100ms"`
	StopTimeout            time.Duration `default:"5s"`

	// Consumer.
	ConsumerBufferSize      int           `default:"100"`
	BackoffInterval         time.Duration `default:"250ms"`
	FetchBufferMultiplier   int           `default:"2"`
	MinBytes                int32         `default:"1"`
	MaxWaitTimeForMinBytes  time.Duration `default:"250ms"`
}

// defaultRetryPolicy renders "unbounded elapsed time, but capped retry
// count" directly: exponential backoff capped at three attempts, with
// MaxElapsedTime left at its zero value (cenkalti/backoff treats zero as
// "no elapsed-time ceiling").
func defaultRetryPolicy() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, 3)
}

// NewConfig returns a Config with every field defaulted, ready to be
// adjusted by Option functions.
func NewConfig() Config {
	cfg := Config{}
	_ = defaults.Set(&cfg)
	if cfg.RefreshRetry == nil {
		cfg.RefreshRetry = defaultRetryPolicy()
	}
	if cfg.SendRetry == nil {
		cfg.SendRetry = defaultRetryPolicy()
	}
	return cfg
}

// Option mutates a Config. Router/Producer/Consumer constructors all
// accept the same Option type so a caller can share configuration
// between them.
type Option func(*Config)

func apply(opts []Option) Config {
	cfg := NewConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithClientID(id string) Option { return func(c *Config) { c.ClientID = id } }
func WithLogger(l Logger) Option    { return func(c *Config) { c.Log = l } }

// logger returns cfg's configured Logger, or a no-op logger if none was
// set.
func (c Config) logger() Logger {
	if c.Log == nil {
		return nopLogger{}
	}
	return c.Log
}

func WithCacheExpiration(d time.Duration) Option { return func(c *Config) { c.CacheExpiration = d } }
func WithRefreshTimeout(d time.Duration) Option  { return func(c *Config) { c.RefreshTimeout = d } }
func WithRefreshRetry(b backoff.BackOff) Option  { return func(c *Config) { c.RefreshRetry = b } }
func WithSendRetry(b backoff.BackOff) Option     { return func(c *Config) { c.SendRetry = b } }

func WithRequestParallelization(n int) Option {
	return func(c *Config) { c.RequestParallelization = n }
}
func WithBatchSize(n int) Option                  { return func(c *Config) { c.BatchSize = n } }
func WithBatchMaxDelay(d time.Duration) Option    { return func(c *Config) { c.BatchMaxDelay = d } }
func WithStopTimeout(d time.Duration) Option      { return func(c *Config) { c.StopTimeout = d } }

func WithConsumerBufferSize(n int) Option { return func(c *Config) { c.ConsumerBufferSize = n } }
func WithBackoffInterval(d time.Duration) Option {
	return func(c *Config) { c.BackoffInterval = d }
}
func WithFetchBufferMultiplier(n int) Option {
	return func(c *Config) { c.FetchBufferMultiplier = n }
}
func WithMinBytes(n int32) Option { return func(c *Config) { c.MinBytes = n } }
func WithMaxWaitTimeForMinBytes(d time.Duration) Option {
	return func(c *Config) { c.MaxWaitTimeForMinBytes = d }
}

func WithDialFunc(f DialFunc) Option           { return func(c *Config) { c.DialFunc = f } }
func WithDialTimeout(d time.Duration) Option   { return func(c *Config) { c.DialTimeout = d } }
func WithSASLMechanism(m SASLMechanism) Option { return func(c *Config) { c.SASL = m } }
