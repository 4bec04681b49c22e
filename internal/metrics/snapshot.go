// Package metrics encodes periodic point-in-time snapshots of the shard
// fleet's health, msgpack-encoded per SPEC_FULL.md §3's domain stack
// (a binary sidecar format, distinct from the AMQP event/command wire
// format, which stays JSON per spec.md §6).
package metrics

import (
	"time"

	"github.com/vmihailenco/msgpack"
)

// ShardSnapshot is one shard's state at the moment the snapshot was
// taken.
type ShardSnapshot struct {
	ID        int    `msgpack:"id"`
	State     string `msgpack:"state"`
	LatencyMS int64  `msgpack:"latency_ms"`
}

// Snapshot is a fleet-wide point-in-time view, built by cmd/sandwich's
// runSnapshotLoop from gateway.Manager.Snapshot and encoded for periodic
// sidecar output.
type Snapshot struct {
	Identifier string          `msgpack:"identifier"`
	TakenAt    time.Time       `msgpack:"taken_at"`
	ShardCount int             `msgpack:"shard_count"`
	Shards     []ShardSnapshot `msgpack:"shards"`
}

// Encode msgpack-encodes a Snapshot.
func Encode(s Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}
