package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/xerrors"
)

// SessionStartLimit mirrors Discord's /gateway/bot response, including
// the concurrency bucket count used to pace Identify calls.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayBot is the decoded response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// Manager supervises a group of shards covering every shard ID for one
// bot token, per spec.md §4.2.
type Manager struct {
	mu sync.RWMutex

	Token          string
	Intents        int
	Compress       bool
	LargeThreshold int

	MaxRetries           int
	MaxHeartbeatFailures int

	Logger     zerolog.Logger
	Dispatcher Dispatcher

	HTTPClient *fasthttp.Client

	gateway GatewayBot

	shards   map[int]*Shard
	shardsMu sync.RWMutex

	identifyBuckets   map[int]chan struct{}
	identifyBucketsMu sync.Mutex

	ctx    context.Context
	cancel func()
}

// NewManager constructs a Manager ready to have shards spawned on it.
func NewManager(token string, intents int, logger zerolog.Logger, dispatcher Dispatcher) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		Token:          token,
		Intents:        intents,
		LargeThreshold: 250,

		MaxRetries:           5,
		MaxHeartbeatFailures: 1,

		Logger:     logger,
		Dispatcher: dispatcher,

		HTTPClient: &fasthttp.Client{
			Name: "sandwich (gateway manager)",
		},

		shards:          make(map[int]*Shard),
		identifyBuckets: make(map[int]chan struct{}),

		ctx:    ctx,
		cancel: cancel,
	}
}

// FetchGateway retrieves /gateway/bot from Discord, used to learn the
// recommended shard count and session_start_limit.
func (mgr *Manager) FetchGateway() (GatewayBot, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("https://discord.com/api/v10/gateway/bot")
	req.Header.SetMethod("GET")
	req.Header.Set("Authorization", "Bot "+mgr.Token)

	if err := mgr.HTTPClient.Do(req, resp); err != nil {
		return GatewayBot{}, xerrors.Errorf("fetchGateway do: %w", err)
	}

	switch resp.StatusCode() {
	case 401:
		return GatewayBot{}, ErrInvalidToken
	case 200:
	default:
		return GatewayBot{}, xerrors.Errorf("fetchGateway: unexpected status %d", resp.StatusCode())
	}

	var gb GatewayBot
	if err := json.Unmarshal(resp.Body(), &gb); err != nil {
		return GatewayBot{}, xerrors.Errorf("fetchGateway decode: %w", err)
	}

	mgr.mu.Lock()
	mgr.gateway = gb
	mgr.mu.Unlock()

	return gb, nil
}

func (mgr *Manager) gatewayURL() string {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	if mgr.gateway.URL == "" {
		return "wss://gateway.discord.gg/?v=10&encoding=json"
	}

	return mgr.gateway.URL + "?v=10&encoding=json"
}

// concurrencyBucket returns the identify bucket index for a shard ID,
// per Discord's max_concurrency semantics (shard_id % max_concurrency).
func (mgr *Manager) concurrencyBucket(shardID int) int {
	mgr.mu.RLock()
	maxConcurrency := mgr.gateway.SessionStartLimit.MaxConcurrency
	mgr.mu.RUnlock()

	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	return shardID % maxConcurrency
}

// awaitIdentify blocks until the shard's concurrency bucket allows
// another Identify call, enforcing the ~5s spacing Discord requires
// within a single bucket (spec.md §4.1 Identify pacing).
func (mgr *Manager) awaitIdentify(shardID int) error {
	bucket := mgr.concurrencyBucket(shardID)

	mgr.identifyBucketsMu.Lock()
	ch, ok := mgr.identifyBuckets[bucket]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		mgr.identifyBuckets[bucket] = ch
	}
	mgr.identifyBucketsMu.Unlock()

	select {
	case <-mgr.ctx.Done():
		return mgr.ctx.Err()
	case <-ch:
	}

	go func() {
		time.Sleep(identifyRatelimit)

		select {
		case ch <- struct{}{}:
		default:
		}
	}()

	return nil
}

// Spawn creates and registers one shard per ID in shardIDs out of a
// fleet of total shards, spacing each Open() by the identify ratelimit so
// buckets fill in order, grounded on spectacles-rs's start_spawn.
func (mgr *Manager) Spawn(shardIDs []int, total int) {
	for _, id := range shardIDs {
		sh := NewShard(mgr, id, total)

		mgr.shardsMu.Lock()
		mgr.shards[id] = sh
		mgr.shardsMu.Unlock()

		go sh.Open()

		select {
		case <-mgr.ctx.Done():
			return
		case <-time.After(identifyRatelimit):
		}
	}
}

// removeShard drops a shard from the table, used when it terminates
// permanently (spec.md §4.2 "Failure semantics").
func (mgr *Manager) removeShard(id int) {
	mgr.shardsMu.Lock()
	delete(mgr.shards, id)
	mgr.shardsMu.Unlock()
}

// Shard returns the shard for an ID, if spawned.
func (mgr *Manager) Shard(id int) (*Shard, bool) {
	mgr.shardsMu.RLock()
	defer mgr.shardsMu.RUnlock()

	sh, ok := mgr.shards[id]

	return sh, ok
}

// ShardSnapshot is one shard's state at a point in time, used to build
// the manager's periodic metrics snapshot.
type ShardSnapshot struct {
	ID        int
	State     string
	LatencyMS int64
}

// Snapshot captures the current state of every registered shard.
func (mgr *Manager) Snapshot() []ShardSnapshot {
	mgr.shardsMu.RLock()
	defer mgr.shardsMu.RUnlock()

	out := make([]ShardSnapshot, 0, len(mgr.shards))
	for _, sh := range mgr.shards {
		out = append(out, ShardSnapshot{
			ID:        sh.ID,
			State:     sh.State().String(),
			LatencyMS: sh.Latency().Milliseconds(),
		})
	}

	return out
}

// Shards returns every currently-registered shard.
func (mgr *Manager) Shards() []*Shard {
	mgr.shardsMu.RLock()
	defer mgr.shardsMu.RUnlock()

	out := make([]*Shard, 0, len(mgr.shards))
	for _, sh := range mgr.shards {
		out = append(out, sh)
	}

	return out
}

// SendTo writes a payload straight to the socket of the shard owning a
// guild ID, bypassing the broker's per-shard queues.
func (mgr *Manager) SendTo(guildID uint64, total int, op Opcode, data interface{}) error {
	shardID := ShardIDForGuild(guildID, total)

	sh, ok := mgr.Shard(shardID)
	if !ok {
		return fmt.Errorf("sendTo: shard %d not spawned", shardID)
	}

	return sh.WriteJSON(op, data)
}

// Close tears down every shard the manager owns.
func (mgr *Manager) Close() {
	mgr.cancel()

	mgr.shardsMu.RLock()
	defer mgr.shardsMu.RUnlock()

	for _, sh := range mgr.shards {
		sh.Close(1000)
	}
}
