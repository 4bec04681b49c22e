// Package config loads the sharder's YAML configuration file and
// applies the environment variable overrides spec.md §9 documents,
// following the teacher's dual json/yaml tagged configuration structs.
package config

import (
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"golang.org/x/xerrors"
	yaml "gopkg.in/yaml.v2"
)

// BotConfiguration mirrors the teacher's nested Bot configuration
// block, trimmed to what the gateway manager needs.
type BotConfiguration struct {
	Token                string `json:"token" yaml:"token"`
	Intents              int    `json:"intents" yaml:"intents"`
	Compression          bool   `json:"compression" yaml:"compression"`
	LargeThreshold       int    `json:"large_threshold" yaml:"large_threshold"`
	MaxHeartbeatFailures int    `json:"max_heartbeat_failures" yaml:"max_heartbeat_failures"`
	Retries              int    `json:"retries" yaml:"retries"`
}

// MessagingConfiguration configures the AMQP broker bridge
// (spec.md §5.1).
type MessagingConfiguration struct {
	URL      string `json:"url" yaml:"url"`
	Group    string `json:"group" yaml:"group"`
	Subgroup string `json:"subgroup" yaml:"subgroup"`
}

// ShardingConfiguration configures how many shards to spawn
// (spec.md §4.2).
type ShardingConfiguration struct {
	ShardCount  int `json:"shard_count" yaml:"shard_count"`
	AutoSharded bool `json:"auto_sharded" yaml:"auto_sharded"`
}

// RestConfiguration holds a listen address for the rate-limiter reverse
// proxy. cmd/ratelimitproxy does not load this file; it takes its
// address from its -addr flag.
type RestConfiguration struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

// MetricsConfiguration configures the periodic msgpack-encoded fleet
// snapshot (SPEC_FULL.md §3 domain stack).
type MetricsConfiguration struct {
	SnapshotPath     string        `json:"snapshot_path" yaml:"snapshot_path"`
	SnapshotInterval time.Duration `json:"snapshot_interval" yaml:"snapshot_interval"`
}

// Configuration is the top-level YAML document, analogous to the
// teacher's ManagerConfiguration.
type Configuration struct {
	Identifier string                 `json:"identifier" yaml:"identifier"`
	Logging    LoggingConfiguration   `json:"logging" yaml:"logging"`
	Bot        BotConfiguration       `json:"bot" yaml:"bot"`
	Messaging  MessagingConfiguration `json:"messaging" yaml:"messaging"`
	Sharding   ShardingConfiguration  `json:"sharding" yaml:"sharding"`
	Rest       RestConfiguration      `json:"rest" yaml:"rest"`
	Metrics    MetricsConfiguration   `json:"metrics" yaml:"metrics"`
}

// Load reads and parses a YAML configuration file, then applies
// environment variable overrides (spec.md §9 external interfaces).
func Load(path string) (*Configuration, error) {
	var cfg Configuration

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, xerrors.Errorf("config load read: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, xerrors.Errorf("config load unmarshal: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Bot.Token == "" {
		return nil, xerrors.New("config: no bot token configured")
	}

	if cfg.Bot.MaxHeartbeatFailures == 0 {
		cfg.Bot.MaxHeartbeatFailures = 1
	}

	if cfg.Bot.Retries == 0 {
		cfg.Bot.Retries = 5
	}

	if cfg.Bot.LargeThreshold == 0 {
		cfg.Bot.LargeThreshold = 250
	}

	if cfg.Rest.ListenAddr == "" {
		cfg.Rest.ListenAddr = ":8081"
	}

	if cfg.Metrics.SnapshotInterval == 0 {
		cfg.Metrics.SnapshotInterval = 30 * time.Second
	}

	return &cfg, nil
}

// applyEnvOverrides applies the well-known environment variables.
// SHARD_COUNT and AMQP_SUBGROUP are kept distinct (spec.md §9 resolves
// the original's ambiguous single-variable overload of this name as a
// defect: shard count and subgroup must never share a variable).
func applyEnvOverrides(cfg *Configuration) {
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		cfg.Bot.Token = v
	}

	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Messaging.URL = v
	}

	if v := os.Getenv("AMQP_GROUP"); v != "" {
		cfg.Messaging.Group = v
	}

	if v := os.Getenv("AMQP_SUBGROUP"); v != "" {
		cfg.Messaging.Subgroup = v
	}

	if v := os.Getenv("SHARD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sharding.ShardCount = n
		}
	}

	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Rest.ListenAddr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
