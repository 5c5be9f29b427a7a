package session

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"mirage/metrics"
	"mirage/models"
	"mirage/protocol"
)

var (
	// ErrSessionTerminated is returned for operations on a finished session.
	ErrSessionTerminated = errors.New("session: terminated")
	// ErrStaleGeneration marks a message fenced off by a newer generation.
	ErrStaleGeneration = errors.New("session: stale generation")
	// ErrHeartbeatLost marks the loss of the holder's heartbeat.
	ErrHeartbeatLost = errors.New("session: holder heartbeat lost")
	// ErrTransferConflict marks a concurrent request settled by peer id.
	ErrTransferConflict = errors.New("session: concurrent transfer request")
	// ErrNotHolder is returned when releasing ownership the local peer does not hold.
	ErrNotHolder = errors.New("session: local peer does not hold ownership")
)

const (
	reasonConflict = "conflict"
	reasonStale    = "stale generation"
	reasonTimeout  = "timeout"
	reasonClosed   = "closed"
)

// Config holds the timing parameters of the ownership state machine.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	GracePeriod       time.Duration
	TransferTimeout   time.Duration
	TransferRetries   int
	SessionTimeout    time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 250 * time.Millisecond,
		HeartbeatTimeout:  2 * time.Second,
		GracePeriod:       3 * time.Second,
		TransferTimeout:   500 * time.Millisecond,
		TransferRetries:   3,
		SessionTimeout:    60 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = def.TransferTimeout
	}
	if c.TransferRetries < 0 {
		c.TransferRetries = 0
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = def.SessionTimeout
	}
	return c
}

// Options configures a Coordinator.
type Options struct {
	SessionID string
	LocalID   string
	RemoteID  string
	Config    Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Coordinator is the ownership state machine of one session. It is not safe
// for concurrent use; Runner serializes access to it. Every step takes the
// current time explicitly and returns the messages to send to the remote peer.
type Coordinator struct {
	cfg       Config
	sessionID string
	localID   string
	remoteID  string
	logger    *zap.Logger
	metrics   *metrics.Metrics

	state      models.SessionState
	holder     string
	generation uint64
	// highest is the largest generation granted, held or seen from the
	// remote. The local peer's own pending request does not raise it.
	highest uint64

	// In-flight transfer. pendingGen is the generation being requested
	// (Requesting) or granted to the remote (Transferring).
	pendingGen  uint64
	sentAt      time.Time
	retries     int
	priorState  models.SessionState
	priorHolder string

	createdAt      time.Time
	updatedAt      time.Time
	lastHeartbeat  time.Time
	lastActivity   time.Time
	lastBeaconSent time.Time
	suspendedAt    time.Time
}

// NewCoordinator creates an Idle coordinator at generation 0.
func NewCoordinator(options Options, now time.Time) *Coordinator {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:          options.Config.withDefaults(),
		sessionID:    options.SessionID,
		localID:      options.LocalID,
		remoteID:     options.RemoteID,
		logger:       logger.Named("session").With(zap.String("session_id", options.SessionID), zap.String("remote_id", options.RemoteID)),
		metrics:      options.Metrics,
		state:        models.SessionIdle,
		createdAt:    now,
		updatedAt:    now,
		lastActivity: now,
	}
	c.metrics.SetSession(string(c.state), 0)
	return c
}

// Snapshot returns the observable state.
func (c *Coordinator) Snapshot() models.SessionSnapshot {
	return models.SessionSnapshot{
		SessionID:  c.sessionID,
		LocalID:    c.localID,
		RemoteID:   c.remoteID,
		State:      c.state,
		Holder:     c.holder,
		Generation: c.generation,
		CreatedAt:  c.createdAt,
		UpdatedAt:  c.updatedAt,
	}
}

// LocalIntent applies a local transfer intent (edge crossing or command).
// A non-holder requests ownership; the holder releases it.
func (c *Coordinator) LocalIntent(now time.Time) ([]any, error) {
	switch c.state {
	case models.SessionTerminated:
		return nil, ErrSessionTerminated
	case models.SessionActive:
		if c.holder == c.localID {
			return c.release(now), nil
		}
		return c.request(now), nil
	case models.SessionIdle:
		return c.request(now), nil
	default:
		// A transfer is already in flight or the holder is suspended.
		return nil, nil
	}
}

// Release hands ownership to the remote peer. Only the holder can release.
func (c *Coordinator) Release(now time.Time) ([]any, error) {
	if c.state == models.SessionTerminated {
		return nil, ErrSessionTerminated
	}
	if c.state != models.SessionActive || c.holder != c.localID {
		return nil, ErrNotHolder
	}
	return c.release(now), nil
}

// Disconnect terminates the session explicitly.
func (c *Coordinator) Disconnect(reason string, now time.Time) []any {
	if c.state == models.SessionTerminated {
		return nil
	}
	if reason == "" {
		reason = reasonClosed
	}
	c.terminate(reason, now)
	return []any{&protocol.SessionClose{
		Type:      protocol.TypeSessionClose,
		From:      c.localID,
		SessionID: c.sessionID,
		Reason:    reason,
	}}
}

// Handle applies one message received from the remote peer.
func (c *Coordinator) Handle(msg any, now time.Time) []any {
	if c.state == models.SessionTerminated {
		return nil
	}
	if !c.accepts(msg) {
		return nil
	}
	c.lastActivity = now

	switch m := msg.(type) {
	case *protocol.TransferRequest:
		return c.handleRequest(m, now)
	case *protocol.TransferAck:
		return c.handleAck(m, now)
	case *protocol.TransferNack:
		c.handleNack(m, now)
	case *protocol.Heartbeat:
		c.handleHeartbeat(m, now)
	case *protocol.Liveness:
	case *protocol.SessionClose:
		c.logger.Info("session closed by peer", zap.String("reason", m.Reason))
		c.terminate("remote: "+m.Reason, now)
	}
	return nil
}

// Tick advances timers: heartbeat loss, grace expiry, transfer retries,
// session inactivity and the periodic beacon.
func (c *Coordinator) Tick(now time.Time) []any {
	if c.state == models.SessionTerminated {
		return nil
	}
	if now.Sub(c.lastActivity) > c.cfg.SessionTimeout {
		return c.Disconnect(reasonTimeout, now)
	}

	var out []any
	switch c.state {
	case models.SessionActive, models.SessionRequesting:
		if c.holder == c.remoteID && now.Sub(c.lastHeartbeat) > c.cfg.HeartbeatTimeout {
			c.suspend(now)
		}
	}

	switch c.state {
	case models.SessionRequesting:
		if now.Sub(c.sentAt) > c.cfg.TransferTimeout {
			if c.retries < c.cfg.TransferRetries {
				c.retries++
				c.sentAt = now
				out = append(out, c.transferRequest(c.pendingGen))
			} else {
				c.logger.Info("transfer request timed out", zap.Uint64("generation", c.pendingGen))
				c.metrics.TransferOutcome("timeout")
				c.abort(now)
			}
		}
	case models.SessionTransferring:
		if now.Sub(c.sentAt) > c.cfg.TransferTimeout {
			if c.retries < c.cfg.TransferRetries {
				c.retries++
				c.sentAt = now
				out = append(out, c.transferAck(c.pendingGen))
			} else {
				c.logger.Info("new holder never confirmed", zap.Uint64("generation", c.pendingGen))
				c.metrics.TransferOutcome("unconfirmed")
				c.awaitGranted(now)
			}
		}
	case models.SessionSuspended:
		if now.Sub(c.suspendedAt) >= c.cfg.GracePeriod {
			out = append(out, c.forceTakeover(now))
		}
	}

	if now.Sub(c.lastBeaconSent) >= c.cfg.HeartbeatInterval {
		out = append(out, c.beacon(now))
	}
	return out
}

func (c *Coordinator) accepts(msg any) bool {
	if sender := protocol.Sender(msg); sender != c.remoteID {
		c.logger.Debug("message from unexpected sender dropped", zap.String("from", sender))
		return false
	}
	var sessionID string
	switch m := msg.(type) {
	case *protocol.TransferRequest:
		sessionID = m.SessionID
	case *protocol.TransferAck:
		sessionID = m.SessionID
	case *protocol.TransferNack:
		sessionID = m.SessionID
	case *protocol.Heartbeat:
		sessionID = m.SessionID
	case *protocol.Liveness:
		sessionID = m.SessionID
	case *protocol.SessionClose:
		sessionID = m.SessionID
	default:
		return false
	}
	if sessionID != c.sessionID {
		c.logger.Debug("message for another session dropped", zap.String("message_session_id", sessionID))
		return false
	}
	return true
}

func (c *Coordinator) handleRequest(m *protocol.TransferRequest, now time.Time) []any {
	r := m.Generation
	switch c.state {
	case models.SessionRequesting:
		switch {
		case r == c.pendingGen:
			if c.localID < c.remoteID {
				c.logger.Debug("concurrent transfer request won", zap.Uint64("generation", r), zap.Error(ErrTransferConflict))
				return []any{c.transferNack(reasonConflict)}
			}
			c.logger.Debug("concurrent transfer request lost", zap.Uint64("generation", r), zap.Error(ErrTransferConflict))
			c.metrics.TransferOutcome("conflict_lost")
			c.abort(now)
			return c.grant(r, now)
		case r > c.pendingGen:
			c.metrics.TransferOutcome("superseded")
			c.abort(now)
			return c.grant(r, now)
		default:
			return []any{c.transferNack(reasonStale)}
		}
	case models.SessionTransferring:
		switch {
		case r == c.pendingGen:
			return []any{c.transferAck(r)}
		case r > c.pendingGen:
			c.pendingGen = r
			c.bumpHighest(r)
			c.sentAt = now
			c.retries = 0
			return []any{c.transferAck(r)}
		default:
			return []any{c.transferNack(reasonStale)}
		}
	default:
		if r <= c.highest {
			return []any{c.transferNack(reasonStale)}
		}
		return c.grant(r, now)
	}
}

func (c *Coordinator) handleAck(m *protocol.TransferAck, now time.Time) []any {
	a := m.Generation
	switch {
	case c.state == models.SessionRequesting && a == c.pendingGen:
		c.metrics.TransferOutcome("granted")
		return c.activateLocal(a, now)
	case a > c.highest && !(c.state == models.SessionActive && c.holder == c.localID):
		// Unsolicited release by the holder.
		c.metrics.TransferOutcome("received")
		return c.activateLocal(a, now)
	default:
		c.logger.Debug("stale transfer ack dropped", zap.Uint64("generation", a))
		return nil
	}
}

func (c *Coordinator) handleNack(m *protocol.TransferNack, now time.Time) {
	if c.state == models.SessionRequesting {
		c.logger.Debug("transfer request refused", zap.String("reason", m.Reason), zap.Uint64("generation", m.Generation))
		c.metrics.TransferOutcome("refused")
		c.abort(now)
	}
	c.bumpHighest(m.Generation)
}

func (c *Coordinator) handleHeartbeat(m *protocol.Heartbeat, now time.Time) {
	h := m.Generation
	if m.HolderID != c.remoteID {
		c.logger.Debug("heartbeat naming another holder dropped", zap.String("holder_id", m.HolderID))
		return
	}
	switch {
	case h < c.generation:
		c.metrics.FencedMessage("session")
		c.logger.Warn("fencing violation: stale heartbeat dropped",
			zap.Uint64("generation", h),
			zap.Uint64("current_generation", c.generation),
			zap.Error(ErrStaleGeneration),
		)
	case h == c.generation:
		switch {
		case c.holder == c.remoteID && c.state == models.SessionSuspended:
			c.lastHeartbeat = now
			c.logger.Info("holder heartbeat resumed", zap.Uint64("generation", h))
			c.setState(models.SessionActive, now)
		case c.holder == c.remoteID:
			c.lastHeartbeat = now
		default:
			c.logger.Warn("conflicting heartbeat at current generation dropped", zap.Uint64("generation", h))
		}
	default:
		c.adoptRemote(h, now)
	}
}

// adoptRemote makes the remote the holder at a higher generation. Any local
// ownership or in-flight lower request is superseded.
func (c *Coordinator) adoptRemote(gen uint64, now time.Time) {
	if c.state == models.SessionRequesting && c.pendingGen > gen {
		c.generation = gen
		c.holder = c.remoteID
		c.priorState = models.SessionActive
		c.priorHolder = c.remoteID
		c.lastHeartbeat = now
		c.touch(now)
		return
	}
	switch {
	case c.state == models.SessionTransferring && gen == c.pendingGen:
		c.metrics.TransferOutcome("released")
	case c.holder == c.localID:
		c.logger.Info("stepping down for higher generation", zap.Uint64("generation", gen))
	}
	c.generation = gen
	c.bumpHighest(gen)
	c.holder = c.remoteID
	c.lastHeartbeat = now
	c.clearPending()
	c.setState(models.SessionActive, now)
}

func (c *Coordinator) request(now time.Time) []any {
	c.priorState = c.state
	c.priorHolder = c.holder
	c.pendingGen = c.highest + 1
	c.sentAt = now
	c.retries = 0
	c.setState(models.SessionRequesting, now)
	return []any{c.transferRequest(c.pendingGen)}
}

func (c *Coordinator) release(now time.Time) []any {
	c.metrics.TransferOutcome("release")
	return c.grant(c.highest+1, now)
}

// grant hands the token at gen to the remote and waits for its heartbeat.
func (c *Coordinator) grant(gen uint64, now time.Time) []any {
	c.priorState = c.state
	c.priorHolder = c.holder
	c.pendingGen = gen
	c.bumpHighest(gen)
	c.sentAt = now
	c.retries = 0
	if c.holder == c.localID {
		c.holder = ""
	}
	c.setState(models.SessionTransferring, now)
	return []any{c.transferAck(gen)}
}

func (c *Coordinator) activateLocal(gen uint64, now time.Time) []any {
	c.generation = gen
	c.bumpHighest(gen)
	c.holder = c.localID
	c.clearPending()
	c.setState(models.SessionActive, now)
	c.logger.Info("ownership acquired", zap.Uint64("generation", gen))
	return []any{c.heartbeat(now)}
}

func (c *Coordinator) suspend(now time.Time) {
	c.logger.Info("holder heartbeat lost", zap.Uint64("generation", c.generation), zap.Error(ErrHeartbeatLost))
	if c.state == models.SessionRequesting {
		c.clearPending()
	}
	c.suspendedAt = now
	c.setState(models.SessionSuspended, now)
}

func (c *Coordinator) forceTakeover(now time.Time) any {
	gen := c.highest + 1
	c.logger.Info("forced takeover after grace period",
		zap.Uint64("previous_generation", c.generation),
		zap.Uint64("generation", gen),
	)
	c.metrics.ForcedTakeover()
	c.generation = gen
	c.highest = gen
	c.holder = c.localID
	c.setState(models.SessionActive, now)
	return c.heartbeat(now)
}

// awaitGranted treats the remote as holder of the token already granted to
// it. Ownership comes back only through the grace period, at a generation
// above the granted one.
func (c *Coordinator) awaitGranted(now time.Time) {
	gen := c.pendingGen
	c.clearPending()
	c.generation = gen
	c.holder = c.remoteID
	c.suspend(now)
}

// abort returns an in-flight transfer to the state it started from.
func (c *Coordinator) abort(now time.Time) {
	state, holder := c.priorState, c.priorHolder
	if state == "" || state == models.SessionRequesting || state == models.SessionTransferring {
		state, holder = models.SessionIdle, ""
	}
	c.clearPending()
	c.holder = holder
	if holder == c.remoteID && state == models.SessionActive {
		c.lastHeartbeat = now
	}
	c.setState(state, now)
}

func (c *Coordinator) terminate(reason string, now time.Time) {
	c.logger.Info("session terminated", zap.String("reason", reason), zap.Error(ErrSessionTerminated))
	c.clearPending()
	c.holder = ""
	c.setState(models.SessionTerminated, now)
}

func (c *Coordinator) beacon(now time.Time) any {
	c.lastBeaconSent = now
	if c.state == models.SessionActive && c.holder == c.localID {
		return c.heartbeat(now)
	}
	return &protocol.Liveness{
		Type:       protocol.TypeLiveness,
		From:       c.localID,
		SessionID:  c.sessionID,
		Generation: c.generation,
		Timestamp:  now.UnixMilli(),
	}
}

func (c *Coordinator) heartbeat(now time.Time) *protocol.Heartbeat {
	c.lastBeaconSent = now
	return &protocol.Heartbeat{
		Type:       protocol.TypeHeartbeat,
		From:       c.localID,
		SessionID:  c.sessionID,
		Generation: c.generation,
		HolderID:   c.localID,
		Timestamp:  now.UnixMilli(),
	}
}

func (c *Coordinator) transferRequest(gen uint64) *protocol.TransferRequest {
	return &protocol.TransferRequest{
		Type:       protocol.TypeTransferRequest,
		From:       c.localID,
		SessionID:  c.sessionID,
		Generation: gen,
	}
}

func (c *Coordinator) transferAck(gen uint64) *protocol.TransferAck {
	return &protocol.TransferAck{
		Type:       protocol.TypeTransferAck,
		From:       c.localID,
		SessionID:  c.sessionID,
		Generation: gen,
	}
}

func (c *Coordinator) transferNack(reason string) *protocol.TransferNack {
	return &protocol.TransferNack{
		Type:       protocol.TypeTransferNack,
		From:       c.localID,
		SessionID:  c.sessionID,
		Generation: c.highest,
		Reason:     reason,
	}
}

func (c *Coordinator) clearPending() {
	c.pendingGen = 0
	c.retries = 0
	c.priorState = ""
	c.priorHolder = ""
}

func (c *Coordinator) bumpHighest(gen uint64) {
	if gen > c.highest {
		c.highest = gen
	}
}

func (c *Coordinator) setState(state models.SessionState, now time.Time) {
	c.state = state
	c.touch(now)
}

func (c *Coordinator) touch(now time.Time) {
	c.updatedAt = now
	c.metrics.SetSession(string(c.state), c.generation)
}
