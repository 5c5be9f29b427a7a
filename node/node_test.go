package node

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/config"
	"mirage/crypto"
	"mirage/input"
	"mirage/models"
	"mirage/network"
	"mirage/pairing"
	"mirage/protocol"
	"mirage/router"
	"mirage/storage"
)

const (
	waitFor = 3 * time.Second
	poll    = 10 * time.Millisecond
)

type recordingInjector struct {
	mu     sync.Mutex
	events []models.RawEvent
}

func (r *recordingInjector) Inject(_ context.Context, ev models.RawEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingInjector) injected() []models.RawEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RawEvent(nil), r.events...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testPeer struct {
	node     *Node
	identity *crypto.Identity
	capture  chan models.RawEvent
	injector *recordingInjector
	out      *syncBuffer
	store    *storage.Store
}

func (p *testPeer) info() network.PeerInfo {
	return network.PeerInfo{
		DeviceID:    p.node.LocalID(),
		DeviceName:  "host-" + p.node.LocalID(),
		Platform:    models.PlatformLinux,
		PublicKey:   p.identity.PublicKey,
		Fingerprint: p.identity.Fingerprint,
		Codec:       protocol.CodecJSON,
		Address:     "127.0.0.1",
	}
}

func newTestPeer(t *testing.T, id string, requirePairing, persist bool) *testPeer {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Identity.DeviceID = id
	cfg.Host.Name = "host-" + id
	cfg.Security.RequirePairing = requirePairing

	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	p := &testPeer{
		identity: identity,
		capture:  make(chan models.RawEvent, 16),
		injector: &recordingInjector{},
		out:      &syncBuffer{},
	}
	opts := Options{
		Config:   cfg,
		Identity: identity,
		Capture:  input.ChannelCapture{C: p.capture},
		Injector: p.injector,
		Out:      p.out,
	}
	if persist {
		p.store, err = storage.OpenPath(filepath.Join(dir, storage.FileName), storage.Options{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.store.Close() })
		opts.Store = p.store
	}

	p.node, err = New(opts)
	require.NoError(t, err)
	return p
}

func (p *testPeer) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("node did not stop")
		}
	})
}

// link connects two running nodes over an in-memory control channel. a is
// treated as the dialing side.
func link(t *testing.T, a, b *testPeer) {
	t.Helper()
	aEnd, bEnd := network.Pipe(a.info(), b.info(), nil)
	require.Eventually(t, func() bool { return a.node.Attach(aEnd, true) == nil }, waitFor, poll)
	require.Eventually(t, func() bool { return b.node.Attach(bEnd, false) == nil }, waitFor, poll)
}

func sessionsMatch(a, b *testPeer) func() bool {
	return func() bool {
		sa, sb := a.node.Snapshot(), b.node.Snapshot()
		return sa.SessionID != "" && sa.SessionID == sb.SessionID
	}
}

func TestSessionForwardsInputAfterEdgeCrossing(t *testing.T) {
	a := newTestPeer(t, "1", false, false)
	b := newTestPeer(t, "2", false, false)
	a.start(t)
	b.start(t)
	link(t, a, b)

	require.Eventually(t, sessionsMatch(a, b), waitFor, poll)
	assert.Equal(t, models.SessionIdle, a.node.Snapshot().State)

	// Dwell at the right edge until the detector requests ownership.
	a.capture <- models.RawEvent{Kind: models.EventMove, Payload: models.EventPayload{X: 1915, Y: 540}, Timestamp: time.Now()}
	require.Eventually(t, func() bool { return a.node.Snapshot().LocalHolds() }, waitFor, poll)
	require.Eventually(t, func() bool { return b.node.Snapshot().RemoteHolds() }, waitFor, poll)
	assert.Equal(t, uint64(1), a.node.Snapshot().Generation)
	assert.Empty(t, b.injector.injected())

	a.capture <- models.RawEvent{Kind: models.EventMove, Payload: models.EventPayload{X: 1800, Y: 540, DX: 5, DY: -2}, Timestamp: time.Now()}
	require.Eventually(t, func() bool { return len(b.injector.injected()) == 1 }, waitFor, poll)
	got := b.injector.injected()[0]
	assert.Equal(t, models.EventMove, got.Kind)
	assert.Equal(t, 5, got.Payload.DX)
	assert.Equal(t, -2, got.Payload.DY)
	assert.Empty(t, a.injector.injected())

	require.NoError(t, a.node.Exec(context.Background(), "release"))
	require.Eventually(t, func() bool { return b.node.Snapshot().LocalHolds() }, waitFor, poll)
	require.Eventually(t, func() bool { return a.node.Snapshot().RemoteHolds() }, waitFor, poll)
	assert.Equal(t, uint64(2), b.node.Snapshot().Generation)

	// The old holder no longer forwards.
	a.capture <- models.RawEvent{Kind: models.EventMove, Payload: models.EventPayload{X: 900, Y: 540, DX: 1}, Timestamp: time.Now()}
	b.capture <- models.RawEvent{Kind: models.EventButton, Payload: models.EventPayload{Button: models.ButtonLeft, Pressed: true}, Timestamp: time.Now()}
	require.Eventually(t, func() bool { return len(a.injector.injected()) == 1 }, waitFor, poll)
	assert.Equal(t, models.EventButton, a.injector.injected()[0].Kind)
	assert.Len(t, b.injector.injected(), 1)

	require.NoError(t, b.node.Exec(context.Background(), "disconnect"))
	require.Eventually(t, func() bool {
		return a.node.Snapshot().SessionID == "" && b.node.Snapshot().SessionID == ""
	}, waitFor, poll)
	assert.Contains(t, a.out.String(), "closed")
}

func TestPairingEstablishesTrustAndSession(t *testing.T) {
	a := newTestPeer(t, "1", true, true)
	b := newTestPeer(t, "2", true, true)
	a.start(t)
	b.start(t)
	link(t, a, b)

	require.Eventually(t, func() bool { return a.node.connFor("2") != nil }, waitFor, poll)
	assert.Empty(t, a.node.Snapshot().SessionID)

	ctx := context.Background()
	require.NoError(t, a.node.Pair(ctx, "2"))

	var codeA, codeB string
	require.Eventually(t, func() bool {
		var okA, okB bool
		codeA, okA = a.node.PendingCode("2")
		codeB, okB = b.node.PendingCode("1")
		return okA && okB
	}, waitFor, poll)
	require.Equal(t, codeA, codeB)
	assert.Contains(t, b.out.String(), codeB)

	require.NoError(t, b.node.Confirm(ctx, "1", codeB))
	require.NoError(t, a.node.Confirm(ctx, "2", codeA))

	require.Eventually(t, sessionsMatch(a, b), waitFor, poll)

	stored, err := a.store.GetPeer("2")
	require.NoError(t, err)
	assert.Equal(t, models.TrustTrusted, stored.Trust)
	assert.Equal(t, b.identity.Fingerprint, stored.Fingerprint)

	stored, err = b.store.GetPeer("1")
	require.NoError(t, err)
	assert.Equal(t, a.identity.Fingerprint, stored.Fingerprint)

	_, pending := a.node.PendingCode("2")
	assert.False(t, pending)

	var history []storage.SessionRecord
	recorded := func(p *testPeer, peerID string) func() bool {
		return func() bool {
			history, err = p.store.Sessions(peerID, 10)
			return err == nil && len(history) == 1
		}
	}
	require.Eventually(t, recorded(a, "2"), waitFor, poll)
	assert.Equal(t, a.node.Snapshot().SessionID, history[0].ID)
	assert.True(t, history[0].Opener)
	assert.True(t, history[0].Open())

	require.Eventually(t, recorded(b, "1"), waitFor, poll)
	assert.False(t, history[0].Opener)
}

func TestPairingCodeMismatchRejectsBothSides(t *testing.T) {
	a := newTestPeer(t, "1", true, true)
	b := newTestPeer(t, "2", true, true)
	a.start(t)
	b.start(t)
	link(t, a, b)

	require.Eventually(t, func() bool { return a.node.connFor("2") != nil }, waitFor, poll)
	ctx := context.Background()
	require.NoError(t, a.node.Pair(ctx, "2"))

	var code string
	require.Eventually(t, func() bool {
		var ok bool
		code, ok = a.node.PendingCode("2")
		_, okB := b.node.PendingCode("1")
		return ok && okB
	}, waitFor, poll)

	err := a.node.Confirm(ctx, "2", wrongCode(code))
	assert.ErrorIs(t, err, pairing.ErrPairingRejected)

	require.Eventually(t, func() bool {
		_, pending := b.node.PendingCode("1")
		return !pending
	}, waitFor, poll)

	_, err = a.store.GetPeer("2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, a.node.Snapshot().SessionID)
	assert.Empty(t, b.node.Snapshot().SessionID)
}

func TestUntrustedSessionOpenIsRefused(t *testing.T) {
	b := newTestPeer(t, "2", true, false)
	b.start(t)

	stranger := network.PeerInfo{DeviceID: "0", DeviceName: "stranger", Codec: protocol.CodecJSON}
	strangerEnd, nodeEnd := network.Pipe(stranger, b.info(), nil)
	require.Eventually(t, func() bool { return b.node.Attach(nodeEnd, false) == nil }, waitFor, poll)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, strangerEnd.Send(ctx, &protocol.SessionOpen{Type: protocol.TypeSessionOpen, From: "0", SessionID: "s-1"}))

	msg, err := strangerEnd.Receive(ctx)
	require.NoError(t, err)
	closeMsg, ok := msg.(*protocol.SessionClose)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "s-1", closeMsg.SessionID)
	assert.Equal(t, "not trusted", closeMsg.Reason)
	assert.Empty(t, b.node.Snapshot().SessionID)
}

func TestSecondPeerIsRefusedWhileBusy(t *testing.T) {
	b := newTestPeer(t, "5", false, false)
	b.start(t)

	firstEnd, nodeFirst := network.Pipe(network.PeerInfo{DeviceID: "1", DeviceName: "first"}, b.info(), nil)
	secondEnd, nodeSecond := network.Pipe(network.PeerInfo{DeviceID: "2", DeviceName: "second"}, b.info(), nil)
	require.Eventually(t, func() bool { return b.node.Attach(nodeFirst, false) == nil }, waitFor, poll)
	require.NoError(t, b.node.Attach(nodeSecond, false))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, firstEnd.Send(ctx, &protocol.SessionOpen{Type: protocol.TypeSessionOpen, From: "1", SessionID: "s-1"}))
	require.Eventually(t, func() bool { return b.node.Snapshot().SessionID == "s-1" }, waitFor, poll)

	require.NoError(t, secondEnd.Send(ctx, &protocol.SessionOpen{Type: protocol.TypeSessionOpen, From: "2", SessionID: "s-2"}))
	msg, err := secondEnd.Receive(ctx)
	require.NoError(t, err)
	closeMsg, ok := msg.(*protocol.SessionClose)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "busy", closeMsg.Reason)
	assert.Equal(t, "s-1", b.node.Snapshot().SessionID)
	assert.Equal(t, "1", b.node.Snapshot().RemoteID)
}

func TestMismatchedSenderIsIgnored(t *testing.T) {
	b := newTestPeer(t, "5", false, false)
	b.start(t)

	peerEnd, nodeEnd := network.Pipe(network.PeerInfo{DeviceID: "1", DeviceName: "first"}, b.info(), nil)
	require.Eventually(t, func() bool { return b.node.Attach(nodeEnd, false) == nil }, waitFor, poll)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, peerEnd.Send(ctx, &protocol.SessionOpen{Type: protocol.TypeSessionOpen, From: "3", SessionID: "forged"}))
	require.NoError(t, peerEnd.Send(ctx, &protocol.SessionOpen{Type: protocol.TypeSessionOpen, From: "1", SessionID: "real"}))

	require.Eventually(t, func() bool { return b.node.Snapshot().SessionID == "real" }, waitFor, poll)
}

func TestExecCommands(t *testing.T) {
	p := newTestPeer(t, "1", true, false)
	ctx := context.Background()

	require.NoError(t, p.node.Exec(ctx, "status"))
	assert.Contains(t, p.out.String(), "No session")

	require.NoError(t, p.node.Exec(ctx, "peers"))
	assert.Contains(t, p.out.String(), "No peers discovered")

	assert.ErrorIs(t, p.node.Exec(ctx, "release"), ErrNoSession)
	assert.ErrorIs(t, p.node.Exec(ctx, "disconnect"), ErrNoSession)
	assert.ErrorContains(t, p.node.Exec(ctx, "confirm 2"), "usage")
	assert.ErrorContains(t, p.node.Exec(ctx, "warp 9"), "unknown command")
	assert.ErrorContains(t, p.node.Exec(ctx, "pair 2"), "no known endpoint")
	assert.ErrorIs(t, p.node.Exec(ctx, "scan"), ErrNoDiscovery)
	assert.NoError(t, p.node.Exec(ctx, "   "))
}

func TestRunCommandsReportsErrors(t *testing.T) {
	p := newTestPeer(t, "1", true, false)

	script := "help\nrelease\nstatus\n"
	require.NoError(t, p.node.RunCommands(context.Background(), bytes.NewBufferString(script)))

	out := p.out.String()
	assert.Contains(t, out, "Commands:")
	assert.Contains(t, out, "Error: "+ErrNoSession.Error())
	assert.Contains(t, out, "No session")
}

func TestApplyConfigUpdatesDetector(t *testing.T) {
	p := newTestPeer(t, "1", true, false)

	updated := *p.node.config()
	updated.Host.DisplayEdgeThreshold = 40
	updated.Host.Edges = []string{"left"}
	p.node.ApplyConfig(p.node.config(), &updated)

	cfg := p.node.edge.Config()
	assert.Equal(t, 40, cfg.Threshold)
	assert.Equal(t, []models.ScreenEdge{models.EdgeLeft}, cfg.Edges)
}

// slowInjector records the sequence number carried in each event's timestamp
// and yields on every call so concurrent callers interleave.
type slowInjector struct {
	mu   sync.Mutex
	seqs []int64
}

func (s *slowInjector) Inject(_ context.Context, ev models.RawEvent) error {
	time.Sleep(200 * time.Microsecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, ev.Timestamp.UnixMilli())
	return nil
}

func TestFlushAndAdmitInjectInSequenceOrder(t *testing.T) {
	p := newTestPeer(t, "2", false, false)
	injector := &slowInjector{}
	p.node.opts.Injector = injector
	p.node.router = router.New(router.Options{
		LocalID: "2",
		Snapshot: func() models.SessionSnapshot {
			return models.SessionSnapshot{
				SessionID:  "s-1",
				LocalID:    "2",
				RemoteID:   "1",
				State:      models.SessionActive,
				Holder:     "1",
				Generation: 1,
			}
		},
		Config: router.Config{GapPolicy: router.GapWait, ReorderWait: time.Millisecond, ReorderBuffer: 64},
	})

	event := func(seq uint64) *protocol.InputEvent {
		return &protocol.InputEvent{
			Type:       protocol.TypeInputEvent,
			From:       "1",
			SessionID:  "s-1",
			Generation: 1,
			Seq:        seq,
			Kind:       models.EventKey,
			Timestamp:  int64(seq),
		}
	}

	ctx := context.Background()
	const rounds = 50
	for i := range uint64(rounds) {
		// seq 3i+1 is lost; 3i+2 waits behind the gap.
		p.node.handleInputEvent(ctx, event(3*i+2))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.node.flushInput(ctx, time.Now().Add(time.Hour))
		}()
		go func() {
			defer wg.Done()
			p.node.handleInputEvent(ctx, event(3*i+3))
		}()
		wg.Wait()
		p.node.flushInput(ctx, time.Now().Add(time.Hour))
	}

	injector.mu.Lock()
	defer injector.mu.Unlock()
	require.Len(t, injector.seqs, 2*rounds)
	for i := 1; i < len(injector.seqs); i++ {
		require.Less(t, injector.seqs[i-1], injector.seqs[i], "injection order %v", injector.seqs)
	}
}

func TestSessionOpenNotSentWhenSessionCannotStart(t *testing.T) {
	p := newTestPeer(t, "1", false, false)

	nodeEnd, peerEnd := network.Pipe(p.info(), network.PeerInfo{DeviceID: "5", DeviceName: "host-5"}, nil)
	t.Cleanup(func() {
		_ = nodeEnd.Close()
		_ = peerEnd.Close()
	})
	p.node.mu.Lock()
	p.node.conns["5"] = &peerConn{PeerConnection: nodeEnd, outbound: true}
	p.node.mu.Unlock()

	// The node is not running, so no session can start.
	p.node.maybeOpenSession(context.Background(), "5")
	assert.Empty(t, p.node.Snapshot().SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	msg, err := peerEnd.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "unexpected %T", msg)
}

func wrongCode(code string) string {
	last := code[len(code)-1]
	replacement := byte('0')
	if last == '0' {
		replacement = '1'
	}
	return code[:len(code)-1] + string(replacement)
}
