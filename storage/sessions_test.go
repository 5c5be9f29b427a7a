package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	opened := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, store.SessionOpened(SessionRecord{ID: "s1", PeerID: "peer-b", Opener: true, OpenedAt: opened}))
	require.NoError(t, store.SessionTakeover("s1"))
	require.NoError(t, store.SessionTakeover("s1"))
	require.NoError(t, store.SessionClosed("s1", 7, "terminated", opened.Add(time.Minute)))

	assert.ErrorIs(t, store.SessionClosed("s1", 8, "again", time.Time{}), ErrNotFound)
	assert.ErrorIs(t, store.SessionTakeover("s1"), ErrNotFound, "closed sessions take no more takeovers")

	records, err := store.Sessions("peer-b", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "s1", r.ID)
	assert.True(t, r.Opener)
	assert.True(t, opened.Equal(r.OpenedAt))
	assert.True(t, opened.Add(time.Minute).Equal(r.ClosedAt))
	assert.EqualValues(t, 7, r.Generation)
	assert.Equal(t, 2, r.Takeovers)
	assert.Equal(t, "terminated", r.CloseReason)
	assert.False(t, r.Open())
}

func TestSessionsNewestFirstAndFiltered(t *testing.T) {
	store := openTestStore(t)
	base := time.Now()

	require.NoError(t, store.SessionOpened(SessionRecord{ID: "s1", PeerID: "peer-b", OpenedAt: base.Add(-2 * time.Minute)}))
	require.NoError(t, store.SessionOpened(SessionRecord{ID: "s2", PeerID: "peer-c", OpenedAt: base.Add(-time.Minute)}))
	require.NoError(t, store.SessionOpened(SessionRecord{ID: "s3", PeerID: "peer-b", OpenedAt: base}))

	all, err := store.Sessions("", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"s3", "s2", "s1"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.True(t, all[0].Open())

	withB, err := store.Sessions("peer-b", 1)
	require.NoError(t, err)
	require.Len(t, withB, 1)
	assert.Equal(t, "s3", withB[0].ID)

	assert.Error(t, store.SessionOpened(SessionRecord{ID: "s3", PeerID: "peer-b"}), "ids are unique")
	assert.Error(t, store.SessionOpened(SessionRecord{ID: "s4"}))
}
