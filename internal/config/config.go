package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/nfrund/fanout/internal/pubsub"
)

// Broker kinds.
const (
	BrokerMemory    = "memory"
	BrokerJetStream = "jetstream"
)

// Config holds all configuration for the application.
type Config struct {
	ServerAddr string `validate:"required"`
	LogFormat  string `validate:"oneof=text json"`
	LogLevel   string `validate:"oneof=debug info warn error"`

	Broker                 string        `validate:"oneof=memory jetstream"`
	SubscriptionTTL        time.Duration `validate:"gt=0"`
	SubscriptionIdleDelete bool

	NATSURL           string `validate:"required_if=Broker jetstream NATSEmbedded false"`
	NATSEmbedded      bool
	NATSStoreDir      string
	NATSStream        string `validate:"required,alphanum"`
	NATSSubjectPrefix string `validate:"required"`
	NATSMemoryStorage bool

	ProcessorScript      string
	ProcessorScriptWatch bool

	Tracing pubsub.TracingConfig
}

var validate = validator.New()

// New loads .env when present and reads configuration from the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from a variable lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}
	cfg := &Config{
		ServerAddr: r.str("SERVER_ADDR", ":8080"),
		LogFormat:  r.str("LOG_FORMAT", "text"),
		LogLevel:   r.str("LOG_LEVEL", "info"),

		Broker:                 r.str("BROKER", BrokerMemory),
		SubscriptionTTL:        r.duration("SUBSCRIPTION_TTL", pubsub.DefaultSubscriptionTTL),
		SubscriptionIdleDelete: r.boolean("SUBSCRIPTION_IDLE_DELETE", false),

		NATSURL:           r.str("NATS_URL", ""),
		NATSEmbedded:      r.boolean("NATS_EMBEDDED", false),
		NATSStoreDir:      r.str("NATS_STORE_DIR", ""),
		NATSStream:        r.str("NATS_STREAM", "FANOUT"),
		NATSSubjectPrefix: r.str("NATS_SUBJECT_PREFIX", "fanout"),
		NATSMemoryStorage: r.boolean("NATS_MEMORY_STORAGE", false),

		ProcessorScript:      r.str("PROCESSOR_SCRIPT", ""),
		ProcessorScriptWatch: r.boolean("PROCESSOR_SCRIPT_WATCH", false),

		Tracing: pubsub.TracingConfigFromLookup(lookup),
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reader keeps the first parse error so FromLookup can report it once.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("parse %s=%q: %w", key, value, err)
	}
}
