package broker

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/TheRockettek/snowflake"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SendPacket is the envelope consumed off the SEND routing queue: a
// guild-addressed outbound command awaiting shard assignment
// (spec.md §4.3, §6 wire format: `{guild_id, packet}`).
type SendPacket struct {
	GuildID snowflake.ID        `json:"guild_id"`
	Packet  jsoniter.RawMessage `json:"packet"`
}

// DecodeSendPacket json-decodes a SEND-queue delivery body.
func DecodeSendPacket(body []byte) (SendPacket, error) {
	var p SendPacket

	err := json.Unmarshal(body, &p)

	return p, err
}
