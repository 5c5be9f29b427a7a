package router

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/metrics"
	"mirage/models"
	"mirage/protocol"
)

var t0 = time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)

type fakeSession struct {
	mu   sync.Mutex
	snap models.SessionSnapshot
}

func (f *fakeSession) Snapshot() models.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) set(holder string, generation uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.State = models.SessionActive
	f.snap.Holder = holder
	f.snap.Generation = generation
}

func newSession() *fakeSession {
	return &fakeSession{snap: models.SessionSnapshot{
		SessionID: "s1",
		LocalID:   "local",
		RemoteID:  "remote",
		State:     models.SessionIdle,
	}}
}

func newRouter(s *fakeSession, cfg Config, m *metrics.Metrics) *Router {
	return New(Options{LocalID: "local", Snapshot: s.Snapshot, Config: cfg, Metrics: m})
}

func inbound(generation, seq uint64) *protocol.InputEvent {
	return &protocol.InputEvent{
		Type:       protocol.TypeInputEvent,
		From:       "remote",
		SessionID:  "s1",
		Generation: generation,
		Seq:        seq,
		Kind:       models.EventMove,
		Payload:    models.EventPayload{DX: 1},
	}
}

func seqs(events []*protocol.InputEvent) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Seq)
	}
	return out
}

func TestStampOnlyWhileHolding(t *testing.T) {
	s := newSession()
	r := newRouter(s, Config{}, nil)
	raw := models.RawEvent{Kind: models.EventMove, Payload: models.EventPayload{DX: 3}, Timestamp: t0}

	_, ok := r.Stamp(raw)
	assert.False(t, ok)

	s.set("local", 4)
	ev, ok := r.Stamp(raw)
	require.True(t, ok)
	assert.Equal(t, uint64(4), ev.Generation)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, "local", ev.From)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, t0.UnixMilli(), ev.Timestamp)

	ev, _ = r.Stamp(raw)
	assert.Equal(t, uint64(2), ev.Seq)

	s.set("remote", 5)
	_, ok = r.Stamp(raw)
	assert.False(t, ok)

	s.set("local", 6)
	ev, _ = r.Stamp(raw)
	assert.Equal(t, uint64(6), ev.Generation)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestAdmitInOrder(t *testing.T) {
	s := newSession()
	s.set("remote", 2)
	r := newRouter(s, Config{}, nil)

	for seq := uint64(1); seq <= 3; seq++ {
		ready, err := r.Admit(inbound(2, seq), t0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{seq}, seqs(ready))
	}
}

func TestAdmitRejectsDuplicatesAndStale(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newSession()
	s.set("remote", 2)
	r := newRouter(s, Config{}, m)

	_, err := r.Admit(inbound(2, 1), t0)
	require.NoError(t, err)

	_, err = r.Admit(inbound(2, 1), t0)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = r.Admit(inbound(1, 9), t0)
	assert.ErrorIs(t, err, ErrStaleGeneration)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fenced.WithLabelValues("router")))

	_, err = r.Admit(inbound(3, 1), t0)
	assert.ErrorIs(t, err, ErrNotHolder)
}

func TestAdmitRejectsWhenLocalHolds(t *testing.T) {
	s := newSession()
	s.set("local", 2)
	r := newRouter(s, Config{}, nil)

	_, err := r.Admit(inbound(2, 1), t0)
	assert.ErrorIs(t, err, ErrNotHolder)

	ev := inbound(2, 1)
	ev.SessionID = "other"
	s.set("remote", 2)
	_, err = r.Admit(ev, t0)
	assert.ErrorIs(t, err, ErrNotHolder)
}

func TestWaitPolicyReordersWithinWindow(t *testing.T) {
	s := newSession()
	s.set("remote", 1)
	r := newRouter(s, Config{GapPolicy: GapWait, ReorderWait: 20 * time.Millisecond}, nil)

	ready, err := r.Admit(inbound(1, 1), t0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seqs(ready))

	ready, err = r.Admit(inbound(1, 3), t0)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, 1, r.Pending())

	_, err = r.Admit(inbound(1, 3), t0)
	assert.ErrorIs(t, err, ErrDuplicate)

	ready, err = r.Admit(inbound(1, 2), t0.Add(5*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, seqs(ready))
	assert.Zero(t, r.Pending())
}

func TestWaitPolicyFlushTreatsGapAsLoss(t *testing.T) {
	s := newSession()
	s.set("remote", 1)
	r := newRouter(s, Config{GapPolicy: GapWait, ReorderWait: 20 * time.Millisecond}, nil)

	_, err := r.Admit(inbound(1, 1), t0)
	require.NoError(t, err)
	_, err = r.Admit(inbound(1, 4), t0)
	require.NoError(t, err)
	_, err = r.Admit(inbound(1, 5), t0.Add(time.Millisecond))
	require.NoError(t, err)

	assert.Empty(t, r.Flush(t0.Add(19*time.Millisecond)))
	assert.Equal(t, []uint64{4, 5}, seqs(r.Flush(t0.Add(20*time.Millisecond))))

	// A late arrival for a skipped number is a duplicate now.
	_, err = r.Admit(inbound(1, 2), t0.Add(30*time.Millisecond))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestWaitPolicyBufferOverflowSkips(t *testing.T) {
	s := newSession()
	s.set("remote", 1)
	r := newRouter(s, Config{GapPolicy: GapWait, ReorderWait: time.Hour, ReorderBuffer: 2}, nil)

	for _, seq := range []uint64{3, 4} {
		ready, err := r.Admit(inbound(1, seq), t0)
		require.NoError(t, err)
		assert.Empty(t, ready)
	}
	ready, err := r.Admit(inbound(1, 6), t0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, seqs(ready))
	assert.Equal(t, 1, r.Pending())
}

func TestSkipPolicyAdmitsAcrossGap(t *testing.T) {
	s := newSession()
	s.set("remote", 1)
	r := newRouter(s, Config{GapPolicy: GapSkip}, nil)

	ready, err := r.Admit(inbound(1, 5), t0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, seqs(ready))

	_, err = r.Admit(inbound(1, 4), t0)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestGenerationChangeResetsInbound(t *testing.T) {
	s := newSession()
	s.set("remote", 1)
	r := newRouter(s, Config{GapPolicy: GapWait, ReorderWait: time.Hour}, nil)

	_, err := r.Admit(inbound(1, 1), t0)
	require.NoError(t, err)
	_, err = r.Admit(inbound(1, 3), t0)
	require.NoError(t, err)
	require.Equal(t, 1, r.Pending())

	s.set("remote", 2)
	assert.Empty(t, r.Flush(t0.Add(time.Minute)))
	assert.Zero(t, r.Pending())

	ready, err := r.Admit(inbound(2, 1), t0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seqs(ready))

	_, err = r.Admit(inbound(1, 2), t0)
	assert.ErrorIs(t, err, ErrStaleGeneration)
}

func TestAdmittedSequenceIsStrictlyIncreasing(t *testing.T) {
	s := newSession()
	s.set("remote", 7)
	r := newRouter(s, Config{GapPolicy: GapWait, ReorderWait: 10 * time.Millisecond, ReorderBuffer: 8}, nil)

	arrivals := []uint64{1, 3, 2, 2, 6, 5, 9, 4, 1, 8, 12, 10, 11, 7}
	var admitted []uint64
	now := t0
	for _, seq := range arrivals {
		now = now.Add(3 * time.Millisecond)
		ready, _ := r.Admit(inbound(7, seq), now)
		admitted = append(admitted, seqs(ready)...)
		admitted = append(admitted, seqs(r.Flush(now))...)
	}
	admitted = append(admitted, seqs(r.Flush(now.Add(time.Second)))...)

	require.NotEmpty(t, admitted)
	for i := 1; i < len(admitted); i++ {
		assert.Greater(t, admitted[i], admitted[i-1])
	}
}
