package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the alert daemon.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // json, console
	HTTPAddr     string `yaml:"http_addr"`
	RulesFile    string `yaml:"rules_file"`
	DashboardURL string `yaml:"dashboard_url"`

	Engine   EngineConfig  `yaml:"engine"`
	Kafka    KafkaConfig   `yaml:"kafka"`
	NATS     NATSConfig    `yaml:"nats"`
	Storage  StorageConfig `yaml:"storage"`
	Notifier []string      `yaml:"notifier"` // log, kafka, nats
}

type EngineConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	Lateness        time.Duration `yaml:"lateness"`
	MaxFutureSkew   time.Duration `yaml:"max_future_skew"` // negative disables
	MaxEventIDs     int           `yaml:"max_event_ids"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	PersistAttempts int           `yaml:"persist_attempts"`
	PersistBackoff  time.Duration `yaml:"persist_backoff"`
}

// KafkaConfig is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers     []string       `yaml:"brokers"`
	EventsTopic string         `yaml:"events_topic"`
	GroupID     string         `yaml:"group_id"`
	NotifyTopic string         `yaml:"notify_topic"`
	Producer    ProducerConfig `yaml:"producer"`
}

// ProducerConfig tunes the Kafka writer pool.
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// NATSConfig is disabled when URL is empty.
type NATSConfig struct {
	URL           string `yaml:"url"`
	EventsSubject string `yaml:"events_subject"`
	NotifyPrefix  string `yaml:"notify_prefix"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, postgres, sqlite
	DSN    string `yaml:"dsn"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		HTTPAddr:  ":8080",
		Engine: EngineConfig{
			Workers:         4,
			QueueSize:       1024,
			Lateness:        time.Minute,
			MaxFutureSkew:   5 * time.Minute,
			MaxEventIDs:     50,
			SweepInterval:   30 * time.Second,
			PersistAttempts: 3,
			PersistBackoff:  50 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			EventsTopic: "call-events",
			GroupID:     "callwatch",
			NotifyTopic: "callwatch-notifications",
			Producer: ProducerConfig{
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		NATS: NATSConfig{
			EventsSubject: "callwatch.events",
			NotifyPrefix:  "callwatch.notify",
		},
		Storage:  StorageConfig{Driver: "memory"},
		Notifier: []string{"log"},
	}
}

// Load reads a YAML file over the defaults and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from CALLWATCH_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("CALLWATCH_LOG_LEVEL", &c.LogLevel)
	str("CALLWATCH_LOG_FORMAT", &c.LogFormat)
	str("CALLWATCH_HTTP_ADDR", &c.HTTPAddr)
	str("CALLWATCH_RULES_FILE", &c.RulesFile)
	str("CALLWATCH_DASHBOARD_URL", &c.DashboardURL)
	list("CALLWATCH_KAFKA_BROKERS", &c.Kafka.Brokers)
	str("CALLWATCH_KAFKA_EVENTS_TOPIC", &c.Kafka.EventsTopic)
	str("CALLWATCH_KAFKA_GROUP_ID", &c.Kafka.GroupID)
	str("CALLWATCH_KAFKA_NOTIFY_TOPIC", &c.Kafka.NotifyTopic)
	str("CALLWATCH_NATS_URL", &c.NATS.URL)
	str("CALLWATCH_NATS_EVENTS_SUBJECT", &c.NATS.EventsSubject)
	str("CALLWATCH_NATS_NOTIFY_PREFIX", &c.NATS.NotifyPrefix)
	str("CALLWATCH_STORAGE_DRIVER", &c.Storage.Driver)
	str("CALLWATCH_STORAGE_DSN", &c.Storage.DSN)
	list("CALLWATCH_NOTIFIER", &c.Notifier)

	for key, dst := range map[string]*int{
		"CALLWATCH_ENGINE_WORKERS":          &c.Engine.Workers,
		"CALLWATCH_ENGINE_QUEUE_SIZE":       &c.Engine.QueueSize,
		"CALLWATCH_ENGINE_MAX_EVENT_IDS":    &c.Engine.MaxEventIDs,
		"CALLWATCH_ENGINE_PERSIST_ATTEMPTS": &c.Engine.PersistAttempts,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"CALLWATCH_ENGINE_LATENESS":        &c.Engine.Lateness,
		"CALLWATCH_ENGINE_MAX_FUTURE_SKEW": &c.Engine.MaxFutureSkew,
		"CALLWATCH_ENGINE_SWEEP_INTERVAL":  &c.Engine.SweepInterval,
		"CALLWATCH_ENGINE_PERSIST_BACKOFF": &c.Engine.PersistBackoff,
	} {
		if err := duration(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "memory":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	for _, n := range c.Notifier {
		switch n {
		case "log":
		case "kafka":
			if len(c.Kafka.Brokers) == 0 || c.Kafka.NotifyTopic == "" {
				return fmt.Errorf("kafka notifier needs kafka.brokers and kafka.notify_topic")
			}
		case "nats":
			if c.NATS.URL == "" {
				return fmt.Errorf("nats notifier needs nats.url")
			}
		default:
			return fmt.Errorf("unknown notifier %q", n)
		}
	}

	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}

	if c.Engine.Lateness < 0 {
		return fmt.Errorf("engine.lateness cannot be negative")
	}
	return nil
}
