package router

import (
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"mirage/metrics"
	"mirage/models"
	"mirage/protocol"
)

var (
	// ErrStaleGeneration marks an event issued under an older generation.
	ErrStaleGeneration = errors.New("router: stale generation")
	// ErrDuplicate marks an event whose sequence number was already admitted.
	ErrDuplicate = errors.New("router: duplicate sequence number")
	// ErrNotHolder marks an event from a peer that does not hold ownership.
	ErrNotHolder = errors.New("router: sender does not hold ownership")
)

const (
	// GapWait buffers out-of-order events for a short window.
	GapWait = "wait"
	// GapSkip treats any gap as loss and admits immediately.
	GapSkip = "skip"
)

const (
	defaultReorderWait   = 20 * time.Millisecond
	defaultReorderBuffer = 64
)

// Config selects the gap policy.
type Config struct {
	GapPolicy     string
	ReorderWait   time.Duration
	ReorderBuffer int
}

func (c Config) withDefaults() Config {
	if c.GapPolicy != GapSkip {
		c.GapPolicy = GapWait
	}
	if c.ReorderWait <= 0 {
		c.ReorderWait = defaultReorderWait
	}
	if c.ReorderBuffer <= 0 {
		c.ReorderBuffer = defaultReorderBuffer
	}
	return c
}

// Options configures a Router.
type Options struct {
	LocalID string
	// Snapshot returns the live session state, typically Runner.Snapshot.
	Snapshot func() models.SessionSnapshot
	Config   Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type stream struct {
	sessionID  string
	generation uint64
	seq        uint64
}

func (s *stream) reset(sessionID string, generation uint64) bool {
	if s.sessionID == sessionID && s.generation == generation {
		return false
	}
	s.sessionID = sessionID
	s.generation = generation
	s.seq = 0
	return true
}

// Router stamps outbound events and admits inbound ones according to the
// current session snapshot.
type Router struct {
	localID  string
	snapshot func() models.SessionSnapshot
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	cfg      Config
	out      stream
	in       stream
	pending  map[uint64]*protocol.InputEvent
	gapSince time.Time
}

// New creates a Router.
func New(options Options) *Router {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		localID:  options.LocalID,
		snapshot: options.Snapshot,
		logger:   logger.Named("router"),
		metrics:  options.Metrics,
		cfg:      options.Config.withDefaults(),
		pending:  make(map[uint64]*protocol.InputEvent),
	}
}

// UpdateConfig changes the gap policy. Buffered events stay buffered.
func (r *Router) UpdateConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg.withDefaults()
}

// Stamp tags a local event with the current generation and the next sequence
// number. It returns false when the local peer does not hold ownership.
func (r *Router) Stamp(raw models.RawEvent) (*protocol.InputEvent, bool) {
	snap := r.snapshot()
	if !snap.LocalHolds() {
		r.metrics.Event("not_forwarded")
		return nil, false
	}

	r.mu.Lock()
	r.out.reset(snap.SessionID, snap.Generation)
	r.out.seq++
	seq := r.out.seq
	r.mu.Unlock()

	r.metrics.Event("forwarded")
	return &protocol.InputEvent{
		Type:       protocol.TypeInputEvent,
		From:       r.localID,
		SessionID:  snap.SessionID,
		Generation: snap.Generation,
		Seq:        seq,
		Kind:       raw.Kind,
		Payload:    raw.Payload,
		Timestamp:  raw.Timestamp.UnixMilli(),
	}, true
}

// Admit checks an inbound event against the session state and returns the
// events that are now ready for injection, in sequence order. Under the wait
// policy an event after a gap is buffered and the result may be empty.
func (r *Router) Admit(ev *protocol.InputEvent, now time.Time) ([]*protocol.InputEvent, error) {
	snap := r.snapshot()

	switch {
	case ev.SessionID != snap.SessionID:
		r.metrics.Event("rejected_session")
		return nil, ErrNotHolder
	case ev.Generation < snap.Generation:
		r.metrics.FencedMessage("router")
		r.metrics.Event("rejected_stale")
		return nil, ErrStaleGeneration
	case ev.Generation > snap.Generation || !snap.RemoteHolds() || ev.From != snap.Holder:
		r.metrics.Event("rejected_not_holder")
		return nil, ErrNotHolder
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.in.reset(snap.SessionID, snap.Generation) {
		r.dropPending()
	}
	if _, buffered := r.pending[ev.Seq]; ev.Seq <= r.in.seq || buffered {
		r.metrics.Event("rejected_duplicate")
		return nil, ErrDuplicate
	}

	if ev.Seq == r.in.seq+1 {
		r.in.seq = ev.Seq
		ready := append([]*protocol.InputEvent{ev}, r.drain()...)
		r.countAdmitted(len(ready))
		return ready, nil
	}

	if r.cfg.GapPolicy == GapSkip {
		r.logger.Debug("sequence gap treated as loss",
			zap.Uint64("generation", ev.Generation),
			zap.Uint64("expected_seq", r.in.seq+1),
			zap.Uint64("seq", ev.Seq),
		)
		r.metrics.Event("gap_skipped")
		r.in.seq = ev.Seq
		r.countAdmitted(1)
		return []*protocol.InputEvent{ev}, nil
	}

	r.pending[ev.Seq] = ev
	if r.gapSince.IsZero() {
		r.gapSince = now
	}
	r.metrics.Event("buffered")
	if len(r.pending) > r.cfg.ReorderBuffer {
		ready := r.skipGap()
		r.countAdmitted(len(ready))
		return ready, nil
	}
	return nil, nil
}

// Flush releases buffered events whose reorder window has elapsed, treating
// the missing sequence numbers as lost.
func (r *Router) Flush(now time.Time) []*protocol.InputEvent {
	snap := r.snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return nil
	}
	if r.in.sessionID != snap.SessionID || r.in.generation != snap.Generation {
		r.dropPending()
		return nil
	}
	if now.Sub(r.gapSince) < r.cfg.ReorderWait {
		return nil
	}
	ready := r.skipGap()
	if len(r.pending) > 0 {
		r.gapSince = now
	}
	r.countAdmitted(len(ready))
	return ready
}

// Pending returns the number of buffered events.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// skipGap jumps over the lowest gap and drains what follows it.
func (r *Router) skipGap() []*protocol.InputEvent {
	seqs := make([]uint64, 0, len(r.pending))
	for seq := range r.pending {
		seqs = append(seqs, seq)
	}
	lowest := slices.Min(seqs)

	r.logger.Debug("sequence gap treated as loss",
		zap.Uint64("generation", r.in.generation),
		zap.Uint64("expected_seq", r.in.seq+1),
		zap.Uint64("seq", lowest),
	)
	r.metrics.Event("gap_skipped")
	r.in.seq = lowest - 1
	return r.drain()
}

// drain admits consecutive buffered events following the last admitted one.
func (r *Router) drain() []*protocol.InputEvent {
	var ready []*protocol.InputEvent
	for {
		ev, ok := r.pending[r.in.seq+1]
		if !ok {
			break
		}
		delete(r.pending, ev.Seq)
		r.in.seq = ev.Seq
		ready = append(ready, ev)
	}
	if len(r.pending) == 0 {
		r.gapSince = time.Time{}
	}
	return ready
}

func (r *Router) dropPending() {
	if n := len(r.pending); n > 0 {
		r.logger.Debug("buffered events from previous generation dropped", zap.Int("count", n))
	}
	clear(r.pending)
	r.gapSince = time.Time{}
}

func (r *Router) countAdmitted(n int) {
	for range n {
		r.metrics.Event("admitted")
	}
}
