package lstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/db/engines/maple"
	"github.com/ValentinKolb/skv/lib/store"
	storetesting "github.com/ValentinKolb/skv/lib/store/testing"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMaple() db.KVDB {
	return maple.NewMapleDB(&maple.DBOptions{NumShards: 4, GCInterval: 5 * time.Millisecond})
}

func TestLocalStore(t *testing.T) {
	storetesting.RunStoreTests(t, "LocalStore", func(t *testing.T) store.IStore {
		s := NewLocalStore(newMaple)
		t.Cleanup(func() { _ = s.(*storeImpl).db.Close() })
		return s
	})
}

func TestExpiryFollowsClock(t *testing.T) {
	clock := store.NewManualClock(1_000)
	s := NewLocalStoreWithClock(newMaple, clock)

	_, err := s.HSet("h", []db.FieldValue{{Field: "a", Value: []byte("1")}})
	require.NoError(t, err)
	ok, err := s.Expire("h", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(4 * time.Second)
	ttl, err := s.TTL("h")
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), ttl)

	clock.Advance(6 * time.Second)
	_, ok, err = s.HGet("h", "a")
	require.NoError(t, err)
	assert.False(t, ok, "key is gone once the clock passes its deadline")

	ttl, err = s.TTL("h")
	require.NoError(t, err)
	assert.Equal(t, store.TTLMissing, ttl)
}

func TestAutoIDsUseClock(t *testing.T) {
	clock := store.NewManualClock(42)
	s := NewLocalStoreWithClock(newMaple, clock)

	id, _, err := s.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: []db.FieldValue{{Field: "f", Value: []byte("v")}}})
	require.NoError(t, err)
	assert.Equal(t, stream.ID{Ms: 42, Seq: 0}, id)

	id, _, err = s.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: []db.FieldValue{{Field: "f", Value: []byte("v")}}})
	require.NoError(t, err)
	assert.Equal(t, stream.ID{Ms: 42, Seq: 1}, id)
}

func TestIdleTimesUseClock(t *testing.T) {
	clock := store.NewManualClock(10_000)
	s := NewLocalStoreWithClock(newMaple, clock)

	require.NoError(t, s.XGroupCreate("s", "g", "$", true))
	id, _, err := s.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: []db.FieldValue{{Field: "f", Value: []byte("v")}}})
	require.NoError(t, err)
	_, err = s.XReadGroup(context.Background(), store.XReadGroupArgs{Group: "g", Consumer: "c1", Keys: []string{"s"}, IDs: []string{">"}, Block: store.NoBlock})
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	pending, err := s.XPendingRange("s", "g", stream.PendingQuery{Lo: stream.MinID, Hi: stream.MaxID, Count: 10})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(3_000), pending[0].Idle)

	claimed, err := s.XClaim("s", "g", "c2", 5*time.Second, []stream.ID{id}, stream.ClaimOptions{})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clock.Advance(2 * time.Second)
	claimed, err = s.XClaim("s", "g", "c2", 5*time.Second, []stream.ID{id}, stream.ClaimOptions{})
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestSaveLoad(t *testing.T) {
	src := NewLocalStore(newMaple)
	_, err := src.HSet("h", []db.FieldValue{{Field: "a", Value: []byte("1")}})
	require.NoError(t, err)
	require.NoError(t, src.XGroupCreate("s", "g", "0", true))
	_, _, err = src.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: []db.FieldValue{{Field: "f", Value: []byte("v")}}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.(store.Persister).Save(&buf))

	dst := NewLocalStore(newMaple)
	require.NoError(t, dst.(store.Persister).Load(&buf))

	v, ok, err := dst.HGet("h", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))

	groups, err := dst.XInfoGroups("s")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "g", groups[0].Name)
}
