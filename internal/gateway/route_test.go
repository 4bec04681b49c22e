package gateway

import "testing"

func TestShardIDForGuild(t *testing.T) {
	tests := []struct {
		name        string
		guildID     uint64
		totalShards int
		want        int
	}{
		{"spec invariant 1", 41771983423143936, 4, 2},
		{"E4 routing scenario", 197038439483310086, 4, 2},
		{"single shard always zero", 197038439483310086, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShardIDForGuild(tt.guildID, tt.totalShards)
			if got != tt.want {
				t.Fatalf("ShardIDForGuild(%d, %d) = %d, want %d", tt.guildID, tt.totalShards, got, tt.want)
			}
		})
	}
}
