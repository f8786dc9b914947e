package testing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory creates a new, empty store for one test
type StoreFactory func(t *testing.T) store.IStore

// RunStoreTests runs the conformance suite every store.IStore implementation has to pass.
func RunStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("HashBasics", func(t *testing.T) { testHashBasics(t, factory(t)) })
		t.Run("HashScan", func(t *testing.T) { testHashScan(t, factory(t)) })
		t.Run("WrongType", func(t *testing.T) { testWrongType(t, factory(t)) })
		t.Run("AutoIDs", func(t *testing.T) { testAutoIDs(t, factory(t)) })
		t.Run("ExplicitID", func(t *testing.T) { testExplicitID(t, factory(t)) })
		t.Run("TrimMaxLen", func(t *testing.T) { testTrimMaxLen(t, factory(t)) })
		t.Run("GroupRead", func(t *testing.T) { testGroupRead(t, factory(t)) })
		t.Run("AckIdempotent", func(t *testing.T) { testAckIdempotent(t, factory(t)) })
		t.Run("ClaimMinIdle", func(t *testing.T) { testClaimMinIdle(t, factory(t)) })
		t.Run("GroupErrors", func(t *testing.T) { testGroupErrors(t, factory(t)) })
		t.Run("BlockingReadGroupWoken", func(t *testing.T) { testBlockingReadGroupWoken(t, factory(t)) })
		t.Run("BlockingReadWoken", func(t *testing.T) { testBlockingReadWoken(t, factory(t)) })
		t.Run("BlockingTimeout", func(t *testing.T) { testBlockingTimeout(t, factory(t)) })
		t.Run("BlockingCancel", func(t *testing.T) { testBlockingCancel(t, factory(t)) })
		t.Run("HistoryReadDoesNotBlock", func(t *testing.T) { testHistoryReadDoesNotBlock(t, factory(t)) })
		t.Run("ExpireAndTTL", func(t *testing.T) { testExpireAndTTL(t, factory(t)) })
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func fv(pairs ...string) []db.FieldValue {
	out := make([]db.FieldValue, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, db.FieldValue{Field: pairs[i], Value: []byte(pairs[i+1])})
	}
	return out
}

func xadd(t *testing.T, s store.IStore, key string, pairs ...string) stream.ID {
	t.Helper()
	id, ok, err := s.XAdd(key, store.XAddArgs{ID: stream.AutoID, Fields: fv(pairs...)})
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func readNew(s store.IStore, key, group, consumer string, block time.Duration) ([]store.StreamEntries, error) {
	return s.XReadGroup(context.Background(), store.XReadGroupArgs{
		Group: group, Consumer: consumer,
		Keys: []string{key}, IDs: []string{">"},
		Block: block,
	})
}

// waitBlocked waits until the store reports n blocked reads
func waitBlocked(t *testing.T, s store.IStore, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.BlockedClients() == n }, 5*time.Second, time.Millisecond)
}

// --------------------------------------------------------------------------
// Hash tests
// --------------------------------------------------------------------------

func testHashBasics(t *testing.T, s store.IStore) {
	created, err := s.HSet("h", fv("a", "1", "b", "2"))
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = s.HSet("h", fv("a", "10", "c", "3"))
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	v, ok, err := s.HGet("h", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10", string(v))

	_, ok, err = s.HGet("h", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	vals, err := s.HMGet("h", []string{"b", "x", "c"})
	require.NoError(t, err)
	assert.Equal(t, []store.OptionalValue{{Value: []byte("2"), Ok: true}, {}, {Value: []byte("3"), Ok: true}}, vals)

	typ, err := s.Type("h")
	require.NoError(t, err)
	assert.Equal(t, db.TypeHash, typ)

	removed, err := s.HDel("h", []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	n, err := s.Exists("h")
	require.NoError(t, err)
	assert.Zero(t, n, "a hash without fields is removed")
}

func testHashScan(t *testing.T, s store.IStore) {
	const fields = 300
	for i := 0; i < fields; i++ {
		_, err := s.HSet("big", fv(fmt.Sprintf("f%03d", i), "v"))
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	cursor := uint64(0)
	for rounds := 0; ; rounds++ {
		require.Less(t, rounds, 10*fields, "scan does not terminate")
		next, pairs, err := s.HScan("big", cursor, "", 16)
		require.NoError(t, err)
		for _, p := range pairs {
			seen[p.Field] = true
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, fields)

	_, pairs, err := s.HScan("big", 0, "f00*", 1000)
	require.NoError(t, err)
	assert.Len(t, pairs, 10)
}

func testWrongType(t *testing.T, s store.IStore) {
	xadd(t, s, "st", "f", "v")

	_, err := s.HSet("st", fv("a", "1"))
	assert.ErrorIs(t, err, store.ErrWrongType)

	_, _, err = s.HGet("st", "a")
	assert.ErrorIs(t, err, store.ErrWrongType)

	_, err = s.HSet("h", fv("a", "1"))
	require.NoError(t, err)
	_, _, err = s.XAdd("h", store.XAddArgs{ID: stream.AutoID, Fields: fv("f", "v")})
	assert.ErrorIs(t, err, store.ErrWrongType)
}

// --------------------------------------------------------------------------
// Stream tests
// --------------------------------------------------------------------------

func testAutoIDs(t *testing.T, s store.IStore) {
	ids := []stream.ID{xadd(t, s, "s", "n", "1"), xadd(t, s, "s", "n", "2"), xadd(t, s, "s", "n", "3")}
	assert.True(t, ids[0].Less(ids[1]))
	assert.True(t, ids[1].Less(ids[2]))

	entries, err := s.XRange("s", stream.MinID, stream.MaxID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, ids[i], e.ID)
		assert.Equal(t, fv("n", fmt.Sprint(i+1)), e.Fields)
	}

	rev, err := s.XRevRange("s", stream.MaxID, stream.MinID, 2)
	require.NoError(t, err)
	require.Len(t, rev, 2)
	assert.Equal(t, ids[2], rev[0].ID)
	assert.Equal(t, ids[1], rev[1].ID)
}

func testExplicitID(t *testing.T, s store.IStore) {
	_, _, err := s.XAdd("s", store.XAddArgs{ID: stream.AddID{Kind: stream.AddIDExplicit, ID: stream.ID{Ms: 5, Seq: 1}}, Fields: fv("a", "1")})
	require.NoError(t, err)

	for _, id := range []stream.ID{{Ms: 5, Seq: 1}, {Ms: 4, Seq: 9}} {
		_, _, err = s.XAdd("s", store.XAddArgs{ID: stream.AddID{Kind: stream.AddIDExplicit, ID: id}, Fields: fv("a", "2")})
		assert.ErrorIs(t, err, store.ErrInvalidID, id.String())
	}

	n, err := s.XLen("s")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := s.XAdd("nostream", store.XAddArgs{ID: stream.AutoID, Fields: fv("a", "1"), NoMkStream: true})
	require.NoError(t, err)
	assert.False(t, ok)
}

func testTrimMaxLen(t *testing.T, s store.IStore) {
	var ids []stream.ID
	for i := 0; i < 5; i++ {
		ids = append(ids, xadd(t, s, "s", "i", fmt.Sprint(i)))
	}
	removed, err := s.XTrim("s", stream.TrimOptions{Strategy: stream.TrimMaxLen, MaxLen: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := s.XRange("s", stream.MinID, stream.MaxID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[3], entries[0].ID)
	assert.Equal(t, ids[4], entries[1].ID)
}

func testGroupRead(t *testing.T, s store.IStore) {
	require.NoError(t, s.XGroupCreate("s", "g", "$", true))

	res, err := readNew(s, "s", "g", "c1", store.NoBlock)
	require.NoError(t, err)
	assert.Empty(t, res)

	id := xadd(t, s, "s", "f", "v")

	res, err = readNew(s, "s", "g", "c1", store.NoBlock)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0].Entries, 1)
	assert.Equal(t, id, res[0].Entries[0].ID)

	sum, err := s.XPending("s", "g")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, id, sum.Lowest)
	assert.Equal(t, []stream.ConsumerPending{{Name: "c1", Count: 1}}, sum.Consumers)

	pending, err := s.XPendingRange("s", "g", stream.PendingQuery{Lo: stream.MinID, Hi: stream.MaxID, Count: 10})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(1), pending[0].DeliveryCount)

	groups, err := s.XInfoGroups("s")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, id, groups[0].LastDeliveredID)

	consumers, err := s.XInfoConsumers("s", "g")
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, 1, consumers[0].Pending)
}

func testAckIdempotent(t *testing.T, s store.IStore) {
	require.NoError(t, s.XGroupCreate("s", "g", "0", true))
	id := xadd(t, s, "s", "f", "v")
	_, err := readNew(s, "s", "g", "c", store.NoBlock)
	require.NoError(t, err)

	n, err := s.XAck("s", "g", []stream.ID{id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.XAck("s", "g", []stream.ID{id})
	require.NoError(t, err)
	assert.Zero(t, n)

	sum, err := s.XPending("s", "g")
	require.NoError(t, err)
	assert.Zero(t, sum.Count)
}

func testClaimMinIdle(t *testing.T, s store.IStore) {
	require.NoError(t, s.XGroupCreate("s", "g", "0", true))
	a := xadd(t, s, "s", "f", "1")
	b := xadd(t, s, "s", "f", "2")
	_, err := readNew(s, "s", "g", "c1", store.NoBlock)
	require.NoError(t, err)

	claimed, err := s.XClaim("s", "g", "c2", time.Hour, []stream.ID{a, b}, stream.ClaimOptions{})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = s.XClaim("s", "g", "c2", 0, []stream.ID{a, b}, stream.ClaimOptions{})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, a, claimed[0].ID)
	assert.Equal(t, b, claimed[1].ID)

	pending, err := s.XPendingRange("s", "g", stream.PendingQuery{Lo: stream.MinID, Hi: stream.MaxID, Count: 10, Consumer: "c2"})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func testGroupErrors(t *testing.T, s store.IStore) {
	_, err := s.XAck("missing", "g", []stream.ID{{Ms: 1}})
	assert.ErrorIs(t, err, store.ErrNoSuchStream)

	err = s.XGroupCreate("missing", "g", "$", false)
	assert.ErrorIs(t, err, store.ErrNoSuchStream)

	require.NoError(t, s.XGroupCreate("s", "g", "$", true))
	assert.ErrorIs(t, s.XGroupCreate("s", "g", "$", false), store.ErrGroupExists)

	_, err = s.XPending("s", "nogroup")
	assert.ErrorIs(t, err, store.ErrNoSuchGroup)

	_, err = readNew(s, "s", "nogroup", "c", store.NoBlock)
	assert.ErrorIs(t, err, store.ErrNoSuchGroup)

	destroyed, err := s.XGroupDestroy("s", "g")
	require.NoError(t, err)
	assert.True(t, destroyed)
}

// --------------------------------------------------------------------------
// Blocking reads
// --------------------------------------------------------------------------

func testBlockingReadGroupWoken(t *testing.T, s store.IStore) {
	require.NoError(t, s.XGroupCreate("s", "g", "$", true))

	type result struct {
		res []store.StreamEntries
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := readNew(s, "s", "g", "c", 10*time.Second)
		done <- result{res, err}
	}()

	waitBlocked(t, s, 1)
	id := xadd(t, s, "s", "f", "v")

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.res, 1)
		require.Len(t, r.res[0].Entries, 1)
		assert.Equal(t, id, r.res[0].Entries[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked read was not woken by the append")
	}
	waitBlocked(t, s, 0)
}

func testBlockingReadWoken(t *testing.T, s store.IStore) {
	xadd(t, s, "s", "f", "old")

	done := make(chan []store.StreamEntries, 1)
	go func() {
		res, err := s.XRead(context.Background(), store.XReadArgs{Keys: []string{"s"}, IDs: []string{"$"}, Block: 10 * time.Second})
		assert.NoError(t, err)
		done <- res
	}()

	waitBlocked(t, s, 1)
	id := xadd(t, s, "s", "f", "new")

	select {
	case res := <-done:
		require.Len(t, res, 1)
		require.Len(t, res[0].Entries, 1)
		assert.Equal(t, id, res[0].Entries[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked read was not woken by the append")
	}
}

func testBlockingTimeout(t *testing.T, s store.IStore) {
	require.NoError(t, s.XGroupCreate("s", "g", "$", true))

	start := time.Now()
	res, err := readNew(s, "s", "g", "c", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Zero(t, s.BlockedClients())
}

func testBlockingCancel(t *testing.T, s store.IStore) {
	require.NoError(t, s.XGroupCreate("s", "g", "$", true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		res, err := s.XReadGroup(ctx, store.XReadGroupArgs{Group: "g", Consumer: "c", Keys: []string{"s"}, IDs: []string{">"}})
		if err == nil && len(res) > 0 {
			err = fmt.Errorf("unexpected result %v", res)
		}
		done <- err
	}()

	waitBlocked(t, s, 1)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled read did not return")
	}
}

func testHistoryReadDoesNotBlock(t *testing.T, s store.IStore) {
	require.NoError(t, s.XGroupCreate("s", "g", "$", true))

	res, err := s.XReadGroup(context.Background(), store.XReadGroupArgs{
		Group: "g", Consumer: "c", Keys: []string{"s"}, IDs: []string{"0"}, Block: 0,
	})
	require.NoError(t, err)
	require.Len(t, res, 1, "history reads report their stream even when empty")
	assert.Empty(t, res[0].Entries)
}

// --------------------------------------------------------------------------
// Keyspace
// --------------------------------------------------------------------------

func testExpireAndTTL(t *testing.T, s store.IStore) {
	ttl, err := s.TTL("missing")
	require.NoError(t, err)
	assert.Equal(t, store.TTLMissing, ttl)

	_, err = s.HSet("h", fv("a", "1"))
	require.NoError(t, err)

	ttl, err = s.TTL("h")
	require.NoError(t, err)
	assert.Equal(t, store.TTLPersistent, ttl)

	ok, err := s.Expire("h", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err = s.TTL("h")
	require.NoError(t, err)
	assert.Greater(t, ttl, int64(0))
	assert.LessOrEqual(t, ttl, time.Hour.Milliseconds())

	ok, err = s.Expire("missing", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Expire("h", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Exists("h")
	require.NoError(t, err)
	assert.Zero(t, n)

	size, err := s.DBSize()
	require.NoError(t, err)
	assert.Zero(t, size)
}
