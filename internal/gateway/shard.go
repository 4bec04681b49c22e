package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheRockettek/czlib"
	"github.com/rs/zerolog"
	"github.com/savsgio/gotils"
	"github.com/tevino/abool"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
)

const (
	waitForReadyTimeout = 10 * time.Second
	dispatchWarnTimeout = 30 * time.Second
)

// Dispatcher receives events a shard has decided are worth forwarding
// upstream (to the broker bridge), decoupled from how the shard itself
// reads the socket.
type Dispatcher interface {
	Dispatch(shardID int, eventType string, seq int64, data []byte)
}

// Shard is a single WebSocket connection to the Discord gateway and the
// state machine that keeps it alive (spec.md §4.1).
type Shard struct {
	mu sync.RWMutex // guards sessionID, wsConn, Heartbeater, HeartbeatInterval

	ID    int
	Total int

	Token      string
	Intents    int
	Compress   bool
	LargeLimit int

	Manager *Manager
	Logger  zerolog.Logger

	ctx    context.Context
	cancel func()

	state State

	HeartbeatActive      *abool.AtomicBool
	LastHeartbeatMu      sync.RWMutex
	LastHeartbeatAck     time.Time
	LastHeartbeatSent    time.Time
	Heartbeater          *time.Ticker
	HeartbeatInterval    time.Duration
	MaxHeartbeatFailures int

	wsConn *websocket.Conn

	writeMu sync.Mutex

	MessageCh chan Packet
	ErrorCh   chan error

	seq       *int64
	sessionID string

	Retries *int32

	ready chan struct{}
}

// NewShard creates a Shard bound to a Manager, mirroring the teacher's
// ShardGroup.NewShard constructor.
func NewShard(mgr *Manager, id, total int) *Shard {
	logger := mgr.Logger.With().Int("shard", id).Logger()

	sh := &Shard{
		ID:    id,
		Total: total,

		Token:      mgr.Token,
		Intents:    mgr.Intents,
		Compress:   mgr.Compress,
		LargeLimit: mgr.LargeThreshold,

		Manager: mgr,
		Logger:  logger,

		state: StateDisconnected,

		HeartbeatActive:  abool.New(),
		LastHeartbeatAck: time.Now().UTC(),

		seq:     new(int64),
		Retries: new(int32),

		ready: make(chan struct{}, 1),
	}

	atomic.StoreInt32(sh.Retries, int32(mgr.MaxRetries))

	sh.ctx, sh.cancel = context.WithCancel(context.Background())

	return sh
}

func (sh *Shard) setState(s State) {
	atomic.StoreInt32((*int32)(&sh.state), int32(s))
	sh.Logger.Debug().Str("state", s.String()).Msg("shard state changed")
}

// State returns the shard's current state machine position.
func (sh *Shard) State() State {
	return State(atomic.LoadInt32((*int32)(&sh.state)))
}

// Open drives the shard's connect/listen/reconnect loop until its
// context is cancelled or it receives a terminal close code.
func (sh *Shard) Open() {
	for {
		err := sh.Connect()
		if err != nil {
			sh.Logger.Error().Err(err).Msg("failed to connect shard")

			if xerrors.Is(err, ErrTerminal) {
				sh.enactAction(ActionTerminate)

				return
			}

			sh.enactAction(ActionAutoReconnect)

			select {
			case <-sh.ctx.Done():
				return
			case <-time.After(identifyRatelimit):
			}

			continue
		}

		err = sh.Listen()

		select {
		case <-sh.ctx.Done():
			return
		default:
		}

		if err != nil {
			if xerrors.Is(err, ErrTerminal) {
				sh.enactAction(ActionTerminate)

				return
			}

			sh.Logger.Warn().Err(err).Msg("shard listen returned, reconnecting")
		}
	}
}

// Connect dials the gateway, consumes Hello, and either identifies or
// resumes, mirroring the teacher's Connect (internal/shard.go).
func (sh *Shard) Connect() error {
	sh.setState(StateConnecting)

	select {
	case <-sh.ctx.Done():
		sh.ctx, sh.cancel = context.WithCancel(context.Background())
	default:
	}

	conn, _, err := websocket.Dial(sh.ctx, sh.Manager.gatewayURL(), nil)
	if err != nil {
		return xerrors.Errorf("connect dial: %w", err)
	}

	conn.SetReadLimit(websocketReadLimit)

	sh.mu.Lock()
	sh.wsConn = conn
	sh.MessageCh = make(chan Packet, messageChannelBuffer)
	sh.ErrorCh = make(chan error, 1)
	sh.mu.Unlock()

	go sh.readLoop(conn, sh.ctx)

	msg, err := sh.readMessage()
	if err != nil {
		return xerrors.Errorf("connect read hello: %w", err)
	}

	if msg.Op != OpHello {
		return xerrors.Errorf("connect: expected Hello, got opcode %d", msg.Op)
	}

	var hello Hello
	if err := json.Unmarshal(msg.D, &hello); err != nil {
		return xerrors.Errorf("connect decode hello: %w", err)
	}

	sh.setState(StateHelloReceived)

	sh.mu.Lock()
	sh.HeartbeatInterval = time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond
	sh.MaxHeartbeatFailures = sh.Manager.MaxHeartbeatFailures
	sh.Heartbeater = time.NewTicker(sh.HeartbeatInterval)
	sh.mu.Unlock()

	sh.LastHeartbeatMu.Lock()
	sh.LastHeartbeatAck = time.Now().UTC()
	sh.LastHeartbeatSent = time.Now().UTC()
	sh.LastHeartbeatMu.Unlock()

	if sh.HeartbeatActive.IsNotSet() {
		go sh.Heartbeat()
	}

	sh.mu.RLock()
	sessionID := sh.sessionID
	sh.mu.RUnlock()

	if sessionID == "" || atomic.LoadInt64(sh.seq) == 0 {
		sh.setState(StateIdentifying)

		if err := sh.Identify(); err != nil {
			return xerrors.Errorf("connect identify: %w", err)
		}
	} else {
		sh.setState(StateResuming)

		if err := sh.Resume(); err != nil {
			return xerrors.Errorf("connect resume: %w", err)
		}
	}

	return nil
}

// readLoop decompresses and unmarshals frames off the socket, pushing
// them onto MessageCh. Grounded on the teacher's FeedWebsocket.
func (sh *Shard) readLoop(conn *websocket.Conn, ctx context.Context) {
	sh.mu.RLock()
	messageCh := sh.MessageCh
	errorCh := sh.ErrorCh
	sh.mu.RUnlock()

	for {
		mt, buf, err := conn.Read(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err != nil {
			errorCh <- xerrors.Errorf("readLoop read: %w", err)

			return
		}

		if mt == websocket.MessageBinary {
			buf, err = czlib.Decompress(buf)
			if err != nil {
				errorCh <- xerrors.Errorf("readLoop decompress: %w", err)

				return
			}
		}

		var pk Packet
		if err := json.Unmarshal(buf, &pk); err != nil {
			sh.Logger.Error().Err(err).Msg("failed to unmarshal gateway packet")

			continue
		}

		messageCh <- pk
	}
}

func (sh *Shard) readMessage() (Packet, error) {
	sh.mu.RLock()
	messageCh := sh.MessageCh
	errorCh := sh.ErrorCh
	sh.mu.RUnlock()

	select {
	case err := <-errorCh:
		return Packet{}, err
	case msg := <-messageCh:
		return msg, nil
	}
}

// Listen reads events off the socket for the lifetime of the
// connection, dispatching each to OnEvent, per spec.md §4.1.
func (sh *Shard) Listen() error {
	for {
		select {
		case <-sh.ctx.Done():
			return nil
		default:
		}

		msg, err := sh.readMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code := CloseCode(closeErr.Code)
				if code.IsTerminal() {
					sh.Logger.Warn().Int("code", int(code)).Msg("terminal close code, not reconnecting")

					return ErrTerminal
				}

				sh.Logger.Warn().Int("code", int(code)).Msg("gateway closed connection")
			}

			return sh.Reconnect(websocket.StatusNormalClosure)
		}

		sh.OnEvent(msg)
	}
}

// OnEvent implements the shard's reception algorithm (spec.md §4.1):
// parse, dispatch if applicable, then compute and enact an action.
func (sh *Shard) OnEvent(msg Packet) {
	switch msg.Op {
	case OpDispatch:
		sh.onDispatch(msg)

		if msg.S != nil {
			atomic.StoreInt64(sh.seq, *msg.S)
		}

		return
	case OpHeartbeat:
		sh.Logger.Debug().Msg("received heartbeat request, replying immediately")

		if err := sh.sendHeartbeat(); err != nil {
			sh.Logger.Error().Err(err).Msg("failed to send requested heartbeat")
		}

		return
	case OpHeartbeatACK:
		sh.LastHeartbeatMu.Lock()
		sh.LastHeartbeatAck = time.Now().UTC()
		rtt := sh.LastHeartbeatAck.Sub(sh.LastHeartbeatSent)
		sh.LastHeartbeatMu.Unlock()

		sh.Logger.Debug().Dur("rtt", rtt).Msg("received heartbeat ack")

		return
	}

	action := sh.computeAction(msg)

	sh.Logger.Debug().Int("op", int(msg.Op)).Str("action", action.String()).Msg("computed action for packet")

	sh.enactAction(action)
}

// computeAction decides what the shard's state machine must do in
// response to a non-dispatch packet, per spec.md §4.2's action set
// `{None, Identify, Resume, Reconnect, AutoReconnect}`.
func (sh *Shard) computeAction(msg Packet) Action {
	switch msg.Op {
	case OpReconnect:
		return ActionReconnect
	case OpInvalidSession:
		resumable := false
		_ = json.Unmarshal(msg.D, &resumable)

		if resumable {
			return ActionResume
		}

		return ActionIdentify
	default:
		sh.Logger.Debug().Int("op", int(msg.Op)).Msg("unhandled opcode")

		return ActionNone
	}
}

// enactAction carries out a computed Action against the shard's
// connection.
func (sh *Shard) enactAction(action Action) {
	switch action {
	case ActionReconnect:
		sh.Logger.Info().Msg("gateway requested reconnect")

		if err := sh.Reconnect(reconnectCloseCode); err != nil {
			sh.Logger.Error().Err(err).Msg("failed to reconnect after gateway request")
		}
	case ActionIdentify, ActionResume:
		if action == ActionIdentify {
			sh.mu.Lock()
			sh.sessionID = ""
			sh.mu.Unlock()
			atomic.StoreInt64(sh.seq, 0)
		}

		jitter := invalidSessionJitterMin +
			time.Duration(rand.Int63n(int64(invalidSessionJitterMax-invalidSessionJitterMin)))

		sh.Logger.Warn().Str("action", action.String()).Dur("jitter", jitter).Msg("received invalid session")

		select {
		case <-sh.ctx.Done():
			return
		case <-time.After(jitter):
		}

		if err := sh.Reconnect(reconnectCloseCode); err != nil {
			sh.Logger.Error().Err(err).Msg("failed to reconnect after invalid session")
		}
	case ActionAutoReconnect:
		sh.Logger.Warn().Msg("shard connection lost, reconnecting automatically")
	case ActionTerminate:
		sh.terminate()
	case ActionNone:
	}
}

// terminate marks the shard StateTerminated, removes it from the
// manager's table, and surfaces the synthetic SHARD_TERMINATED event,
// per spec.md §4.2 "Failure semantics".
func (sh *Shard) terminate() {
	sh.setState(StateTerminated)
	sh.Manager.removeShard(sh.ID)

	if sh.Manager.Dispatcher != nil {
		sh.Manager.Dispatcher.Dispatch(sh.ID, "SHARD_TERMINATED", atomic.LoadInt64(sh.seq), nil)
	}
}

// onDispatch captures session bookkeeping and forwards the event to the
// manager's Dispatcher (the broker bridge in production).
func (sh *Shard) onDispatch(msg Packet) {
	since := time.Now()
	fin := make(chan struct{})

	go func() {
		t := time.NewTimer(dispatchWarnTimeout)
		defer t.Stop()

		select {
		case <-fin:
			return
		case <-t.C:
			sh.Logger.Warn().
				Str("type", msg.T).
				Msgf("dispatch of %s has been running for %s", msg.T, time.Since(since).Round(time.Second))
		}
	}()
	defer close(fin)

	switch msg.T {
	case "READY":
		var ready readyPayload
		if err := json.Unmarshal(msg.D, &ready); err == nil {
			sh.mu.Lock()
			sh.sessionID = ready.SessionID
			sh.mu.Unlock()
		}

		sh.setState(StateReady)

		select {
		case sh.ready <- struct{}{}:
		default:
		}
	case "RESUMED":
		sh.setState(StateReady)
	}

	if sh.Manager.Dispatcher != nil {
		seq := int64(0)
		if msg.S != nil {
			seq = *msg.S
		}

		sh.Manager.Dispatcher.Dispatch(sh.ID, msg.T, seq, msg.D)
	}
}

// Heartbeat maintains the heartbeat loop and detects a zombied
// connection, per spec.md §4.1's ack-timeout rule.
func (sh *Shard) Heartbeat() {
	sh.HeartbeatActive.Set()
	defer sh.HeartbeatActive.UnSet()

	for {
		sh.mu.RLock()
		ticker := sh.Heartbeater
		interval := sh.HeartbeatInterval
		maxFailures := sh.MaxHeartbeatFailures
		sh.mu.RUnlock()

		select {
		case <-sh.ctx.Done():
			return
		case <-ticker.C:
			err := sh.sendHeartbeat()

			sh.LastHeartbeatMu.Lock()
			now := time.Now().UTC()
			sh.LastHeartbeatSent = now
			lastAck := sh.LastHeartbeatAck
			sh.LastHeartbeatMu.Unlock()

			// Half an interval of slack keeps the first tick after Hello,
			// which has no heartbeat outstanding, from counting as a miss.
			staleness := interval*time.Duration(maxFailures) + interval/2

			if err != nil || now.Sub(lastAck) > staleness {
				if err != nil {
					sh.Logger.Error().Err(err).Msg("failed to heartbeat, reconnecting")
				} else {
					sh.Logger.Warn().Msgf("gateway failed to ack within %d missed heartbeats, reconnecting", maxFailures)
				}

				if err := sh.Reconnect(reconnectCloseCode); err != nil {
					sh.Logger.Error().Err(err).Msg("failed to reconnect after zombied heartbeat")
				}

				return
			}
		}
	}
}

func (sh *Shard) sendHeartbeat() error {
	return sh.WriteJSON(OpHeartbeat, atomic.LoadInt64(sh.seq))
}

// Identify sends the Identify payload once the shard's concurrency
// bucket admits it (spec.md §4.1 Identify pacing).
func (sh *Shard) Identify() error {
	if err := sh.Manager.awaitIdentify(sh.ID); err != nil {
		return xerrors.Errorf("identify await bucket: %w", err)
	}

	sh.Logger.Debug().Msg("sending identify")

	return sh.WriteJSON(OpIdentify, Identify{
		Token: sh.Token,
		Properties: &IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "sandwich " + VERSION,
			Device:  "sandwich " + VERSION,
		},
		Compress:       sh.Compress,
		LargeThreshold: sh.LargeLimit,
		Shard:          [2]int{sh.ID, sh.Total},
		Intents:        sh.Intents,
	})
}

// Resume sends the Resume payload using the shard's saved session ID
// and last received sequence number.
func (sh *Shard) Resume() error {
	sh.mu.RLock()
	sessionID := sh.sessionID
	sh.mu.RUnlock()

	sh.Logger.Debug().Msg("sending resume")

	return sh.WriteJSON(OpResume, Resume{
		Token:     sh.Token,
		SessionID: sessionID,
		Seq:       atomic.LoadInt64(sh.seq),
	})
}

// WriteJSON marshals and writes a payload to the socket, serialized so
// concurrent senders (heartbeat vs outbound commands) cannot interleave
// frames, per the teacher's WriteJSON.
func (sh *Shard) WriteJSON(op Opcode, data interface{}) error {
	res, err := json.Marshal(SentPayload{Op: op, D: data})
	if err != nil {
		return xerrors.Errorf("writeJSON marshal: %w", err)
	}

	sh.Logger.Trace().Str("payload", gotils.B2S(res)).Msg("writing payload")

	sh.writeMu.Lock()
	defer sh.writeMu.Unlock()

	sh.mu.RLock()
	conn := sh.wsConn
	sh.mu.RUnlock()

	if conn == nil {
		return ErrAlreadyClosed
	}

	if err := conn.Write(sh.ctx, websocket.MessageText, res); err != nil {
		return xerrors.Errorf("writeJSON write: %w", err)
	}

	return nil
}

// WaitForReady blocks until the shard reaches StateReady or its context
// is cancelled.
func (sh *Shard) WaitForReady() {
	t := time.NewTicker(waitForReadyTimeout)
	defer t.Stop()

	for {
		select {
		case <-sh.ready:
			return
		case <-sh.ctx.Done():
			return
		case <-t.C:
			if sh.State() == StateReady {
				return
			}
		}
	}
}

// Reconnect closes the current connection and retries Connect with
// capped exponential backoff, mirroring the teacher's Reconnect.
func (sh *Shard) Reconnect(code websocket.StatusCode) error {
	sh.Close(code)
	sh.setState(StateReconnecting)

	wait := time.Second

	for {
		select {
		case <-sh.ctx.Done():
			return nil
		default:
		}

		err := sh.Connect()
		if err == nil {
			atomic.StoreInt32(sh.Retries, int32(sh.Manager.MaxRetries))

			return nil
		}

		if xerrors.Is(err, ErrTerminal) {
			return err
		}

		retries := atomic.AddInt32(sh.Retries, -1)
		if retries <= 0 {
			return xerrors.Errorf("reconnect: exhausted retries: %w", err)
		}

		sh.Logger.Warn().Err(err).Dur("wait", wait).Msg("failed to reconnect, backing off")

		select {
		case <-sh.ctx.Done():
			return nil
		case <-time.After(wait):
		}

		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

// Latency returns the most recent heartbeat round-trip time.
func (sh *Shard) Latency() time.Duration {
	sh.LastHeartbeatMu.RLock()
	defer sh.LastHeartbeatMu.RUnlock()

	return sh.LastHeartbeatAck.Sub(sh.LastHeartbeatSent).Round(time.Millisecond)
}

// CloseWS closes the underlying websocket connection, if any.
func (sh *Shard) CloseWS(code websocket.StatusCode) error {
	sh.mu.Lock()
	conn := sh.wsConn
	sh.wsConn = nil
	sh.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Close(code, ""); err != nil && !xerrors.Is(err, context.Canceled) {
		return fmt.Errorf("closeWS: %w", err)
	}

	return nil
}

// Close cancels the shard's context and tears down its connection.
func (sh *Shard) Close(code websocket.StatusCode) {
	if sh.cancel != nil {
		sh.cancel()
	}

	if err := sh.CloseWS(code); err != nil {
		sh.Logger.Debug().Err(err).Msg("error closing websocket")
	}
}
