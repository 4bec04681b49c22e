package broker

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/sandwich-gg/sandwich/internal/gateway"
)

// EventPublisher implements gateway.Dispatcher by publishing every
// dispatched event's raw `d` bytes to its own queue on the broker,
// keyed by event type, content-type application/json (spec.md §4.3).
type EventPublisher struct {
	Broker *Broker
	Logger zerolog.Logger
}

// Dispatch publishes a single gateway event's payload verbatim.
func (p *EventPublisher) Dispatch(shardID int, eventType string, seq int64, data []byte) {
	if err := p.Broker.Publish(eventType, data); err != nil {
		p.Logger.Error().Err(err).Str("type", eventType).Msg("failed to publish event")
	}
}

// Router bridges the SEND routing queue and per-shard command queues
// to the gateway manager's shards (spec.md §4.3).
type Router struct {
	Broker  *Broker
	Manager *gateway.Manager
	Logger  zerolog.Logger

	totalShards int
}

// NewRouter builds a Router for a manager owning totalShards shards.
func NewRouter(b *Broker, mgr *gateway.Manager, totalShards int, logger zerolog.Logger) *Router {
	return &Router{
		Broker:      b,
		Manager:     mgr,
		Logger:      logger,
		totalShards: totalShards,
	}
}

// RunSendQueue consumes the SEND queue forever, republishing each
// command's opaque packet to the routing key of the shard that owns
// its guild_id (shard_id = (guild_id >> 22) % total_shards), acking
// only once the republish is confirmed (spec.md §4.3 "Outbound
// routing (R)").
func (r *Router) RunSendQueue() error {
	deliveries, err := r.Broker.Consume("SEND")
	if err != nil {
		return xerrors.Errorf("runSendQueue consume: %w", err)
	}

	for d := range deliveries {
		packet, err := DecodeSendPacket(d.Body)
		if err != nil {
			r.Logger.Warn().Err(err).Msg("failed to decode SEND packet, discarding")
			_ = d.Nack(false, false)

			continue
		}

		shardID := gateway.ShardIDForGuild(uint64(packet.GuildID.Int64()), r.totalShards)
		routingKey := strconv.Itoa(shardID)

		if err := r.Broker.Publish(routingKey, packet.Packet); err != nil {
			r.Logger.Error().Err(err).Int("shard_id", shardID).Msg("failed to republish SEND packet to shard queue")
			_ = d.Nack(false, true)

			continue
		}

		_ = d.Ack(false)
	}

	return nil
}

// RunShardQueue consumes shardID's own queue forever, decoding each
// outbound command and forwarding it to the shard's socket (spec.md
// §4.3 "Outbound consume (per-shard queues)").
func (r *Router) RunShardQueue(shardID int) error {
	deliveries, err := r.Broker.Consume(strconv.Itoa(shardID))
	if err != nil {
		return xerrors.Errorf("runShardQueue consume shard %d: %w", shardID, err)
	}

	for d := range deliveries {
		sh, ok := r.Manager.Shard(shardID)
		if !ok {
			r.Logger.Warn().Int("shard_id", shardID).Msg("outbound command for an unspawned shard")
			_ = d.Nack(false, true)

			continue
		}

		op, cmd, ok := decodeOutboundCommand(d.Body)
		if !ok {
			r.Logger.Warn().Int("shard_id", shardID).Msg("unrecognized outbound command, dropping")
			_ = d.Ack(false)

			continue
		}

		if err := sh.WriteJSON(op, cmd); err != nil {
			r.Logger.Error().Err(err).Int("shard_id", shardID).Msg("failed to forward outbound command to shard")
			_ = d.Nack(false, true)

			continue
		}

		_ = d.Ack(false)
	}

	return nil
}

// decodeOutboundCommand attempts to decode body as one of UpdateStatus,
// RequestGuildMembers, or UpdateVoiceState, in that order, using key
// presence to disambiguate the three shapes (spec.md §4.3).
func decodeOutboundCommand(body []byte) (gateway.Opcode, interface{}, bool) {
	var probe map[string]jsoniter.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return 0, nil, false
	}

	switch {
	case hasAnyKey(probe, "status", "activities", "afk", "since") && !hasKey(probe, "channel_id"):
		var cmd gateway.UpdateStatus
		if err := json.Unmarshal(body, &cmd); err == nil {
			return gateway.OpStatusUpdate, cmd, true
		}
	case hasAnyKey(probe, "query", "user_ids") && hasKey(probe, "guild_id"):
		var cmd gateway.RequestGuildMembers
		if err := json.Unmarshal(body, &cmd); err == nil {
			return gateway.OpRequestGuildMembers, cmd, true
		}
	case hasKey(probe, "channel_id") && hasKey(probe, "guild_id"):
		var cmd gateway.UpdateVoiceState
		if err := json.Unmarshal(body, &cmd); err == nil {
			return gateway.OpVoiceStateUpdate, cmd, true
		}
	}

	return 0, nil, false
}

func hasKey(probe map[string]jsoniter.RawMessage, key string) bool {
	_, ok := probe[key]

	return ok
}

func hasAnyKey(probe map[string]jsoniter.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if hasKey(probe, k) {
			return true
		}
	}

	return false
}
