package gateway

// ShardIDForGuild computes which shard owns a guild, per Discord's
// sharding formula (spec.md §3 invariant, §8 property 1):
//
//	shard_id = (guild_id >> 22) % total_shards
func ShardIDForGuild(guildID uint64, totalShards int) int {
	if totalShards <= 0 {
		return 0
	}

	return int((guildID >> 22) % uint64(totalShards))
}
