package gateway

import (
	jsoniter "github.com/json-iterator/go"
)

// json is configured to behave like encoding/json but with jsoniter's
// throughput, matching the teacher's package-level convention.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Packet is a decoded Discord gateway frame (spec.md §3 GatewayPacket).
type Packet struct {
	Op Opcode              `json:"op"`
	D  jsoniter.RawMessage `json:"d,omitempty"`
	S  *int64              `json:"s,omitempty"`
	T  string              `json:"t,omitempty"`
}

// SentPayload is what gets marshalled and written to the socket for any
// outbound opcode.
type SentPayload struct {
	Op Opcode      `json:"op"`
	D  interface{} `json:"d"`
}

// Hello is the payload of an OpHello packet.
type Hello struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval"`
}

// IdentifyProperties is the `properties` field of an Identify payload.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Identify is the payload of an OpIdentify packet.
type Identify struct {
	Token              string              `json:"token"`
	Properties         *IdentifyProperties `json:"properties"`
	Compress           bool                `json:"compress,omitempty"`
	LargeThreshold     int                 `json:"large_threshold,omitempty"`
	Shard              [2]int              `json:"shard,omitempty"`
	Presence           interface{}         `json:"presence,omitempty"`
	GuildSubscriptions bool                `json:"guild_subscriptions,omitempty"`
	Intents            int                 `json:"intents,omitempty"`
}

// Resume is the payload of an OpResume packet.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// readyPayload is the subset of a READY dispatch's `d` field the shard
// needs: the session ID to resume with later.
type readyPayload struct {
	SessionID string `json:"session_id"`
}

// UpdateStatus is the payload of an OpStatusUpdate command (Gateway
// Presence Update), one of the three shapes the per-shard outbound
// consumer accepts (spec.md §4.3).
type UpdateStatus struct {
	Since      *int64        `json:"since"`
	Activities []interface{} `json:"activities"`
	Status     string        `json:"status"`
	AFK        bool          `json:"afk"`
}

// RequestGuildMembers is the payload of an OpRequestGuildMembers
// command (spec.md §4.3).
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// UpdateVoiceState is the payload of an OpVoiceStateUpdate command
// (spec.md §4.3).
type UpdateVoiceState struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}
