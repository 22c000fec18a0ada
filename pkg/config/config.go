// Package config loads worker settings from the environment, an optional
// .env file and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"broadcast-dispatcher/pkg/mq"
)

var (
	ErrMissingBrokers     = errors.New("BROKERS is required")
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
)

type Config struct {
	Brokers     []string
	QueueDriver string
	Topic       string
	WorkerID    string

	DatabaseURL string
	DBMaxConns  int
	InitSchema  bool

	ProviderBaseURL    string
	ProviderAPIVersion string
	ProviderTimeout    time.Duration

	DefaultMessagesPerSecond int
	RateInterval             time.Duration

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReadBlock         time.Duration

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// GroupID is the consumer group this worker joins.
func (c *Config) GroupID() string { return mq.GroupID(c.Topic) }

// QueueOptions returns the consumer settings for workerID on the topic.
func (c *Config) QueueOptions() mq.Options {
	return mq.Options{
		Topic:             c.Topic,
		Consumer:          c.WorkerID,
		SessionTimeout:    c.SessionTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		ReadBlock:         c.ReadBlock,
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-pid-%d", host, os.Getpid())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("QUEUE_DRIVER", mq.DriverRedis)
	v.SetDefault("TOPIC", "broadcasts")
	v.SetDefault("DB_MAX_CONNS", 0)
	v.SetDefault("INIT_SCHEMA", false)
	v.SetDefault("PROVIDER_BASE_URL", "https://graph.facebook.com")
	v.SetDefault("PROVIDER_API_VERSION", "v23.0")
	v.SetDefault("PROVIDER_TIMEOUT", 20*time.Second)
	v.SetDefault("DEFAULT_MESSAGES_PER_SECOND", 80)
	v.SetDefault("RATE_INTERVAL", time.Second)
	v.SetDefault("SESSION_TIMEOUT", 60*time.Second)
	v.SetDefault("HEARTBEAT_INTERVAL", 3*time.Second)
	v.SetDefault("READ_BLOCK", 2*time.Second)
	v.SetDefault("METRICS_ADDR", ":9091")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads configuration for the worker binary. args are the command-line
// arguments without the program name.
func Load(args []string) (*Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.String("worker-id", "", "unique id of this worker instance")
	fs.String("topic", "", "topic to consume batches from")
	fs.String("queue-driver", "", "queue driver: redis or amqp")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	for key, flag := range map[string]string{"WORKER_ID": "worker-id", "TOPIC": "topic", "QUEUE_DRIVER": "queue-driver"} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	cfg := &Config{
		Brokers:                  splitList(v.GetString("BROKERS")),
		QueueDriver:              strings.ToLower(v.GetString("QUEUE_DRIVER")),
		Topic:                    v.GetString("TOPIC"),
		WorkerID:                 v.GetString("WORKER_ID"),
		DatabaseURL:              v.GetString("DATABASE_URL"),
		DBMaxConns:               v.GetInt("DB_MAX_CONNS"),
		InitSchema:               v.GetBool("INIT_SCHEMA"),
		ProviderBaseURL:          v.GetString("PROVIDER_BASE_URL"),
		ProviderAPIVersion:       v.GetString("PROVIDER_API_VERSION"),
		ProviderTimeout:          v.GetDuration("PROVIDER_TIMEOUT"),
		DefaultMessagesPerSecond: v.GetInt("DEFAULT_MESSAGES_PER_SECOND"),
		RateInterval:             v.GetDuration("RATE_INTERVAL"),
		SessionTimeout:           v.GetDuration("SESSION_TIMEOUT"),
		HeartbeatInterval:        v.GetDuration("HEARTBEAT_INTERVAL"),
		ReadBlock:                v.GetDuration("READ_BLOCK"),
		MetricsAddr:              v.GetString("METRICS_ADDR"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		LogFormat:                v.GetString("LOG_FORMAT"),
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return ErrMissingBrokers
	case c.DatabaseURL == "":
		return ErrMissingDatabaseURL
	case c.QueueDriver != mq.DriverRedis && c.QueueDriver != mq.DriverAMQP:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", c.QueueDriver)
	case c.Topic == "":
		return errors.New("TOPIC must not be empty")
	case c.HeartbeatInterval <= 0 || c.SessionTimeout <= 0:
		return errors.New("HEARTBEAT_INTERVAL and SESSION_TIMEOUT must be positive")
	case c.HeartbeatInterval >= c.SessionTimeout:
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be below SESSION_TIMEOUT (%s)", c.HeartbeatInterval, c.SessionTimeout)
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
