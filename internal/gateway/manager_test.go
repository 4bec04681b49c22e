package gateway

import (
	"testing"

	"github.com/rs/zerolog"
)

type recordingDispatcher struct {
	events []string
}

func (r *recordingDispatcher) Dispatch(shardID int, eventType string, seq int64, data []byte) {
	r.events = append(r.events, eventType)
}

func TestConcurrencyBucketWrapsAroundMaxConcurrency(t *testing.T) {
	mgr := NewManager("token", 0, zerolog.Nop(), &recordingDispatcher{})
	mgr.gateway.SessionStartLimit.MaxConcurrency = 2

	if got := mgr.concurrencyBucket(0); got != 0 {
		t.Errorf("concurrencyBucket(0) = %d, want 0", got)
	}

	if got := mgr.concurrencyBucket(3); got != 1 {
		t.Errorf("concurrencyBucket(3) = %d, want 1", got)
	}
}

func TestShardRegistryRoundtrip(t *testing.T) {
	mgr := NewManager("token", 0, zerolog.Nop(), &recordingDispatcher{})

	sh := NewShard(mgr, 5, 10)

	mgr.shardsMu.Lock()
	mgr.shards[5] = sh
	mgr.shardsMu.Unlock()

	got, ok := mgr.Shard(5)
	if !ok || got != sh {
		t.Fatalf("expected to retrieve the registered shard for id 5")
	}

	if _, ok := mgr.Shard(6); ok {
		t.Fatalf("did not expect a shard registered for id 6")
	}
}
