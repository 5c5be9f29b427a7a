package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityEventsFilterAndOrder(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	require.NoError(t, store.AppendSecurityEvent(SecurityEvent{
		Kind: EventFencingViolation, PeerID: "peer-1", Severity: SecuritySeverityWarning,
		Details: `{"generation":4}`, At: now.Add(-time.Second),
	}))
	require.NoError(t, store.AppendSecurityEvent(SecurityEvent{
		Kind: EventFingerprintChanged, PeerID: "peer-1", Severity: SecuritySeverityCritical,
		Details: `{"old":"aa","new":"bb"}`, At: now,
	}))
	require.NoError(t, store.AppendSecurityEvent(SecurityEvent{Kind: EventPairingTrusted, PeerID: "peer-2", At: now}))

	all, err := store.SecurityEvents(EventQuery{PeerID: "peer-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, EventFingerprintChanged, all[0].Kind)
	assert.Equal(t, EventFencingViolation, all[1].Kind)

	warnings, err := store.SecurityEvents(EventQuery{Severity: SecuritySeverityWarning})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, `{"generation":4}`, warnings[0].Details)

	recent, err := store.SecurityEvents(EventQuery{Since: now.Add(-100 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	page, err := store.SecurityEvents(EventQuery{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, EventFencingViolation, page[0].Kind)

	_, err = store.SecurityEvents(EventQuery{Severity: "loud"})
	assert.Error(t, err)
}

func TestAppendSecurityEventValidates(t *testing.T) {
	store := openTestStore(t)
	assert.Error(t, store.AppendSecurityEvent(SecurityEvent{}))
	assert.Error(t, store.AppendSecurityEvent(SecurityEvent{Kind: "x", Severity: "loud"}))
	assert.Error(t, store.AppendSecurityEvent(SecurityEvent{Kind: "x", Details: "{not json"}))
}

func TestRecordSecurityEventEncodesDetails(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.RecordSecurityEvent(EventPairingLockout, SecuritySeverityWarning, "peer-x", map[string]any{"failures": 3}))
	require.NoError(t, store.RecordSecurityEvent(EventForcedTakeover, "", "", nil))

	lockouts, err := store.SecurityEvents(EventQuery{Kind: EventPairingLockout})
	require.NoError(t, err)
	require.Len(t, lockouts, 1)
	assert.Equal(t, `{"failures":3}`, lockouts[0].Details)
	assert.Equal(t, "peer-x", lockouts[0].PeerID)

	takeovers, err := store.SecurityEvents(EventQuery{Kind: EventForcedTakeover})
	require.NoError(t, err)
	require.Len(t, takeovers, 1)
	assert.Equal(t, "{}", takeovers[0].Details)
	assert.Empty(t, takeovers[0].PeerID)
	assert.Equal(t, SecuritySeverityInfo, takeovers[0].Severity)
}

func TestKeyRotations(t *testing.T) {
	store := openTestStore(t)
	trustPeer(t, store, "peer-1", "Laptop")
	base := time.UnixMilli(1_000_000)

	for i, decision := range []string{KeyRotationDecisionRejected, KeyRotationDecisionTrusted} {
		require.NoError(t, store.RecordKeyRotation(KeyRotation{
			PeerID: "peer-1", OldFingerprint: "old", NewFingerprint: "new",
			Decision: decision, At: base.Add(time.Duration(i) * time.Second),
		}))
	}
	assert.Error(t, store.RecordKeyRotation(KeyRotation{
		PeerID: "peer-1", OldFingerprint: "old", NewFingerprint: "new", Decision: "maybe",
	}))
	assert.Error(t, store.RecordKeyRotation(KeyRotation{PeerID: "peer-1", Decision: KeyRotationDecisionTrusted}))

	rotations, err := store.KeyRotations("peer-1", 10)
	require.NoError(t, err)
	require.Len(t, rotations, 2)
	assert.Equal(t, KeyRotationDecisionTrusted, rotations[0].Decision)
	assert.True(t, base.Add(time.Second).Equal(rotations[0].At))
}
