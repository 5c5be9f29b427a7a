package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/models"
	"mirage/protocol"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []any
}

func (s *recordingSender) Send(_ context.Context, msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent...)
}

func startRunner(t *testing.T, coord *Coordinator, sender Sender) (*Runner, context.CancelFunc) {
	t.Helper()
	runner := NewRunner(coord, RunnerOptions{Sender: sender, TickInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = runner.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runner.Done()
	})
	return runner, cancel
}

func TestRunnerAcquiresOwnership(t *testing.T) {
	sender := &recordingSender{}
	coord := NewCoordinator(Options{SessionID: testSessionID, LocalID: "1", RemoteID: "2"}, time.Now())
	runner, _ := startRunner(t, coord, sender)
	ctx := context.Background()

	require.NoError(t, runner.LocalIntent(ctx))
	assert.Equal(t, models.SessionRequesting, runner.Snapshot().State)

	select {
	case snap := <-runner.Changes():
		assert.Equal(t, models.SessionRequesting, snap.State)
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}

	require.NoError(t, runner.Deliver(ctx, &protocol.TransferAck{
		Type:       protocol.TypeTransferAck,
		From:       "2",
		SessionID:  testSessionID,
		Generation: 1,
	}))

	require.Eventually(t, func() bool {
		return runner.Snapshot().LocalHolds()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), runner.Snapshot().Generation)

	require.Eventually(t, func() bool {
		for _, msg := range sender.messages() {
			if hb, ok := msg.(*protocol.Heartbeat); ok && hb.Generation == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRunnerReleaseWithoutOwnership(t *testing.T) {
	coord := NewCoordinator(Options{SessionID: testSessionID, LocalID: "1", RemoteID: "2"}, time.Now())
	runner, _ := startRunner(t, coord, &recordingSender{})

	assert.ErrorIs(t, runner.Release(context.Background()), ErrNotHolder)
}

func TestRunnerStopsOnDisconnect(t *testing.T) {
	sender := &recordingSender{}
	coord := NewCoordinator(Options{SessionID: testSessionID, LocalID: "1", RemoteID: "2"}, time.Now())
	runner, _ := startRunner(t, coord, sender)

	require.NoError(t, runner.Disconnect(context.Background(), "bye"))

	select {
	case <-runner.Done():
	case <-time.After(time.Second):
		t.Fatal("runner still running after disconnect")
	}
	assert.Equal(t, models.SessionTerminated, runner.Snapshot().State)

	var closed bool
	for _, msg := range sender.messages() {
		if m, ok := msg.(*protocol.SessionClose); ok {
			closed = true
			assert.Equal(t, "bye", m.Reason)
		}
	}
	assert.True(t, closed)
	assert.Error(t, runner.LocalIntent(context.Background()))
}

func TestRunnerStopsOnCancel(t *testing.T) {
	coord := NewCoordinator(Options{SessionID: testSessionID, LocalID: "1", RemoteID: "2"}, time.Now())
	runner, cancel := startRunner(t, coord, nil)

	cancel()
	select {
	case <-runner.Done():
	case <-time.After(time.Second):
		t.Fatal("runner ignored cancellation")
	}
}
