// Command sandwich spawns a shard manager for one bot token, bridging
// dispatched events and outbound commands through an AMQP broker
// (spec.md §1 Purpose & Scope).
package main

import (
	"flag"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sandwich-gg/sandwich/internal/broker"
	"github.com/sandwich-gg/sandwich/internal/config"
	"github.com/sandwich-gg/sandwich/internal/gateway"
	"github.com/sandwich-gg/sandwich/internal/metrics"
)

func main() {
	defaultConfigPath := "sandwich.yaml"
	if v := os.Getenv("CONFIG_FILE_PATH"); v != "" {
		defaultConfigPath = v
	}

	configPath := flag.String("config", defaultConfigPath, "path to the sharder configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := config.NewLogger(cfg.Logging, "sandwich")

	b, err := broker.New(broker.Config{
		URL:      cfg.Messaging.URL,
		Group:    cfg.Messaging.Group,
		Subgroup: cfg.Messaging.Subgroup,
	}, logger.With().Str("subsystem", "broker").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to amqp")
	}
	defer b.Close()

	publisher := &broker.EventPublisher{
		Broker: b,
		Logger: logger.With().Str("subsystem", "publisher").Logger(),
	}

	mgr := gateway.NewManager(cfg.Bot.Token, cfg.Bot.Intents, logger.With().Str("subsystem", "gateway").Logger(), publisher)
	mgr.Compress = cfg.Bot.Compression
	mgr.LargeThreshold = cfg.Bot.LargeThreshold
	mgr.MaxRetries = cfg.Bot.Retries
	mgr.MaxHeartbeatFailures = cfg.Bot.MaxHeartbeatFailures

	gw, err := mgr.FetchGateway()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to fetch /gateway/bot")
	}

	shardCount := cfg.Sharding.ShardCount
	if cfg.Sharding.AutoSharded || shardCount <= 0 {
		shardCount = gw.Shards
	}

	if gw.SessionStartLimit.Remaining < shardCount {
		logger.Fatal().
			Int("remaining", gw.SessionStartLimit.Remaining).
			Int("needed", shardCount).
			Msg("not enough sessions remaining to spawn every shard")
	}

	router := broker.NewRouter(b, mgr, shardCount, logger.With().Str("subsystem", "router").Logger())

	go func() {
		if err := router.RunSendQueue(); err != nil {
			logger.Error().Err(err).Msg("SEND queue router stopped")
		}
	}()

	shardIDs := make([]int, shardCount)
	for i := range shardIDs {
		shardIDs[i] = i
	}

	for _, id := range shardIDs {
		id := id

		go func() {
			if err := router.RunShardQueue(id); err != nil {
				logger.Error().Err(err).Int("shard_id", id).Msg("shard queue consumer stopped")
			}
		}()
	}

	go mgr.Spawn(shardIDs, shardCount)

	if cfg.Metrics.SnapshotPath != "" {
		go runSnapshotLoop(mgr, cfg.Identifier, cfg.Metrics.SnapshotPath, cfg.Metrics.SnapshotInterval,
			logger.With().Str("subsystem", "metrics").Logger())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	mgr.Close()
}

// runSnapshotLoop periodically msgpack-encodes the shard fleet's state
// and writes it to path, giving operators a compact sidecar view of
// fleet health independent of the AMQP event stream.
func runSnapshotLoop(mgr *gateway.Manager, identifier, path string, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		shards := mgr.Snapshot()

		snap := metrics.Snapshot{
			Identifier: identifier,
			TakenAt:    time.Now(),
			ShardCount: len(shards),
			Shards:     make([]metrics.ShardSnapshot, len(shards)),
		}

		for i, sh := range shards {
			snap.Shards[i] = metrics.ShardSnapshot{ID: sh.ID, State: sh.State, LatencyMS: sh.LatencyMS}
		}

		encoded, err := metrics.Encode(snap)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode fleet snapshot")

			continue
		}

		if err := ioutil.WriteFile(path, encoded, 0o644); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("failed to write fleet snapshot")
		}
	}
}
