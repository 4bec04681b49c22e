package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSendPacket(t *testing.T) {
	body := []byte(`{"guild_id":"197038439483310086","packet":{"op":4,"d":{"status":"online"}}}`)

	packet, err := DecodeSendPacket(body)
	require.NoError(t, err)

	assert.Equal(t, int64(197038439483310086), packet.GuildID.Int64())
	assert.JSONEq(t, `{"op":4,"d":{"status":"online"}}`, string(packet.Packet))
}

func TestDecodeOutboundCommand(t *testing.T) {
	op, _, ok := decodeOutboundCommand([]byte(`{"status":"online","afk":false}`))
	require.True(t, ok)
	assert.Equal(t, 3, int(op))

	op, _, ok = decodeOutboundCommand([]byte(`{"guild_id":"1","query":"","limit":0}`))
	require.True(t, ok)
	assert.Equal(t, 8, int(op))

	op, _, ok = decodeOutboundCommand([]byte(`{"guild_id":"1","channel_id":"2","self_mute":false,"self_deaf":false}`))
	require.True(t, ok)
	assert.Equal(t, 4, int(op))

	_, _, ok = decodeOutboundCommand([]byte(`{"unrecognized":true}`))
	assert.False(t, ok)
}
