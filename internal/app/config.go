package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

const (
	LedgerMemory = "memory"
	LedgerKafka  = "kafka"
)

// Config describes one database instance.
type Config struct {
	DBPath             string               `yaml:"db_path"`
	BusyTimeout        time.Duration        `yaml:"busy_timeout"`
	SlowQueryThreshold time.Duration        `yaml:"slow_query_threshold"`
	Ledger             LedgerConfig         `yaml:"ledger"`
	Sync               SyncConfig           `yaml:"sync"`
	Notifications      NotificationConfig   `yaml:"notifications"`
	Tables             []domain.TableSchema `yaml:"tables"`
	Ops                OpsConfig            `yaml:"ops"`
}

type LedgerConfig struct {
	Kind string `yaml:"kind"`
	// ChannelID attaches to an existing channel. When empty the channel the
	// store is already bound to is used, and failing that a new one is
	// created.
	ChannelID         string        `yaml:"channel_id"`
	ChannelName       string        `yaml:"channel_name"`
	Brokers           []string      `yaml:"brokers"`
	TopicPrefix       string        `yaml:"topic_prefix"`
	ReplicationFactor int           `yaml:"replication_factor"`
	Timeout           time.Duration `yaml:"timeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type SyncConfig struct {
	// Disabled keeps the engine from tailing the channel in the background.
	// Replay can still be run on demand.
	Disabled         bool          `yaml:"disabled"`
	VerifyHashes     bool          `yaml:"verify_hashes"`
	MaxApplyAttempts int           `yaml:"max_apply_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
}

type NotificationConfig struct {
	Log     bool          `yaml:"log"`
	Buffer  int           `yaml:"buffer"`
	Webhook WebhookConfig `yaml:"webhook"`
	Redis   RedisConfig   `yaml:"redis"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a single-node development setup backed by the
// in-process ledger.
func DefaultConfig() Config {
	return Config{
		DBPath: "./ledgerdb.sqlite",
		Ledger: LedgerConfig{
			Kind:        LedgerMemory,
			ChannelName: "ledgerdb",
			TopicPrefix: "ledgerdb.",
			Timeout:     10 * time.Second,
		},
		Ops: OpsConfig{Addr: ":8080"},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. A missing file is
// not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("%w: read config: %v", domain.ErrConfiguration, err)
	}
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return Config{}, fmt.Errorf("%w: parse config %s: %v", domain.ErrConfiguration, path, err)
	}
	return cfg, nil
}

// Validate checks that the connection parameters needed to initialize are
// present.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DBPath) == "" {
		problems = append(problems, "db_path is required")
	}
	switch c.ledgerKind() {
	case LedgerMemory:
	case LedgerKafka:
		if len(c.Ledger.Brokers) == 0 {
			problems = append(problems, "ledger.brokers is required for the kafka ledger")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown ledger.kind %q", c.Ledger.Kind))
	}
	if c.Ledger.ReplicationFactor < 0 {
		problems = append(problems, "ledger.replication_factor must not be negative")
	}
	if c.Ledger.Retry.MaxAttempts < 0 {
		problems = append(problems, "ledger.retry.max_attempts must not be negative")
	}
	if c.Sync.MaxApplyAttempts < 0 {
		problems = append(problems, "sync.max_apply_attempts must not be negative")
	}
	if c.Notifications.Webhook.Secret != "" && c.Notifications.Webhook.URL == "" {
		problems = append(problems, "notifications.webhook.secret is set without a url")
	}
	if c.Notifications.Buffer < 0 {
		problems = append(problems, "notifications.buffer must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) ledgerKind() string {
	if c.Ledger.Kind == "" {
		return LedgerMemory
	}
	return strings.ToLower(c.Ledger.Kind)
}

func (c Config) channelName() string {
	if c.Ledger.ChannelName == "" {
		return "ledgerdb"
	}
	return c.Ledger.ChannelName
}
