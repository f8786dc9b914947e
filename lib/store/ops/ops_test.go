package ops

import (
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/db/engines/maple"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	database := maple.NewMapleDB(&maple.DBOptions{NumShards: 2, GCInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = database.Close() })
	return New(database)
}

func fv(kv ...string) []db.FieldValue {
	out := make([]db.FieldValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, db.FieldValue{Field: kv[i], Value: []byte(kv[i+1])})
	}
	return out
}

// --------------------------------------------------------------------------
// Hash
// --------------------------------------------------------------------------

func TestHashCommands(t *testing.T) {
	e := newEngine(t)

	created, err := e.HSet("h", fv("a", "1", "b", "2"), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = e.HSet("h", fv("a", "3", "c", "4"), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	v, ok, err := e.HGet("h", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", string(v))

	_, ok, err = e.HGet("h", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = e.HGet("nokey", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	values, err := e.HMGet("h", []string{"a", "x", "c"})
	require.NoError(t, err)
	assert.Equal(t, []store.OptionalValue{{Value: []byte("3"), Ok: true}, {}, {Value: []byte("4"), Ok: true}}, values)

	set, err := e.HSetNX("h", "a", []byte("9"), 3)
	require.NoError(t, err)
	assert.False(t, set)
	set, err = e.HSetNX("h", "d", []byte(""), 3)
	require.NoError(t, err)
	assert.True(t, set)

	n, _ := e.HLen("h")
	assert.Equal(t, 4, n)
	n, _ = e.HStrLen("h", "a")
	assert.Equal(t, 1, n)
	exists, _ := e.HExists("h", "d")
	assert.True(t, exists)

	keys, _ := e.HKeys("h")
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, keys)
	vals, _ := e.HVals("h")
	assert.Len(t, vals, 4)
	all, _ := e.HGetAll("h")
	assert.ElementsMatch(t, fv("a", "3", "b", "2", "c", "4", "d", ""), all)

	removed, err := e.HDel("h", []string{"a", "b", "c", "d", "x"}, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Equal(t, db.TypeNone, e.Type("h"), "empty hashes are removed")
}

func TestHashValuesAreCopies(t *testing.T) {
	e := newEngine(t)
	input := fv("a", "1")
	_, err := e.HSet("h", input, 1)
	require.NoError(t, err)
	input[0].Value[0] = 'x'

	v, _, _ := e.HGet("h", "a")
	assert.Equal(t, "1", string(v))
	v[0] = 'y'
	v, _, _ = e.HGet("h", "a")
	assert.Equal(t, "1", string(v))
}

func TestHIncr(t *testing.T) {
	e := newEngine(t)

	v, err := e.HIncrBy("h", "n", 5, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	v, err = e.HIncrBy("h", "n", -7, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), v)

	_, err = e.HSet("h", fv("s", "abc", "big", "9223372036854775807"), 1)
	require.NoError(t, err)
	_, err = e.HIncrBy("h", "s", 1, 1)
	assert.ErrorIs(t, err, store.NewError(store.RetCInvalidOperation, ""))
	_, err = e.HIncrBy("h", "big", 1, 1)
	assert.Error(t, err)
	raw, _, _ := e.HGet("h", "big")
	assert.Equal(t, "9223372036854775807", string(raw), "failed increments leave the value")

	f, err := e.HIncrByFloat("h", "f", 1.5, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)
	f, err = e.HIncrByFloat("h", "f", 0.25, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.75, f)
	raw, _, _ = e.HGet("h", "f")
	assert.Equal(t, "1.75", string(raw))

	_, err = e.HSet("s", fv("x", "nan"), 1)
	require.NoError(t, err)
	_, err = e.HIncrByFloat("s", "x", 1, 1)
	assert.Error(t, err)
}

func TestHScanCoversEverything(t *testing.T) {
	e := newEngine(t)
	want := map[string]bool{}
	for i := 0; i < 500; i++ {
		f := fmt.Sprintf("field-%d", i)
		want[f] = true
		_, err := e.HSet("h", fv(f, "v"), 1)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	var cursor uint64
	for {
		next, batch, err := e.HScan("h", cursor, "", 20)
		require.NoError(t, err)
		for _, p := range batch {
			seen[p.Field] = true
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.Equal(t, want, seen)

	next, batch, err := e.HScan("missing", 0, "", 10)
	require.NoError(t, err)
	assert.Zero(t, next)
	assert.Empty(t, batch)

	// a cursor of another table fails
	first, _, err := e.HScan("h", 0, "", 1)
	require.NoError(t, err)
	require.NotZero(t, first)
	_, _, err = e.HScan("h", first^(1<<63), "", 10)
	assert.ErrorIs(t, err, store.ErrInvalidCursor)
}

func TestWrongType(t *testing.T) {
	e := newEngine(t)
	_, _, err := e.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: fv("a", "1")}, 1)
	require.NoError(t, err)
	_, err = e.HSet("h", fv("a", "1"), 1)
	require.NoError(t, err)

	_, err = e.HSet("s", fv("a", "1"), 2)
	assert.ErrorIs(t, err, store.ErrWrongType)
	_, _, err = e.HGet("s", "a")
	assert.ErrorIs(t, err, store.ErrWrongType)
	_, _, err = e.XAdd("h", store.XAddArgs{ID: stream.AutoID, Fields: fv("a", "1")}, 2)
	assert.ErrorIs(t, err, store.ErrWrongType)
	_, err = e.XLen("h")
	assert.ErrorIs(t, err, store.ErrWrongType)

	assert.Equal(t, db.TypeStream, e.Type("s"))
	assert.Equal(t, db.TypeHash, e.Type("h"))
}

// --------------------------------------------------------------------------
// Stream
// --------------------------------------------------------------------------

func TestXAddAndRange(t *testing.T) {
	e := newEngine(t)

	var added []stream.ID
	for i := 0; i < 3; i++ {
		id, ok, err := e.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: fv("i", fmt.Sprint(i))}, 1000)
		require.NoError(t, err)
		require.True(t, ok)
		added = append(added, id)
	}

	entries, err := e.XRange("s", stream.MinID, stream.MaxID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, added[i], entry.ID)
	}

	rev, err := e.XRevRange("s", stream.MaxID, stream.MinID, 2)
	require.NoError(t, err)
	assert.Equal(t, []stream.ID{added[2], added[1]}, []stream.ID{rev[0].ID, rev[1].ID})

	// explicit id not greater than the last fails and leaves the stream unchanged
	_, _, err = e.XAdd("s", store.XAddArgs{ID: stream.AddID{Kind: stream.AddIDExplicit, ID: added[0]}, Fields: fv("x", "y")}, 1000)
	assert.ErrorIs(t, err, store.ErrInvalidID)
	n, _ := e.XLen("s")
	assert.Equal(t, 3, n)

	// NOMKSTREAM does not create the key
	_, ok, err := e.XAdd("other", store.XAddArgs{ID: stream.AutoID, Fields: fv("a", "b"), NoMkStream: true}, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, db.TypeNone, e.Type("other"))

	// a failing first append does not create the key either
	_, _, err = e.XAdd("other", store.XAddArgs{ID: stream.AddID{Kind: stream.AddIDExplicit}, Fields: fv("a", "b")}, 1000)
	assert.ErrorIs(t, err, store.ErrInvalidID)
	assert.Equal(t, db.TypeNone, e.Type("other"))
}

func TestXAddInlineTrimAndXTrim(t *testing.T) {
	e := newEngine(t)
	for i := 0; i < 5; i++ {
		_, _, err := e.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: fv("i", fmt.Sprint(i))}, uint64(i+1))
		require.NoError(t, err)
	}

	removed, err := e.XTrim("s", stream.TrimOptions{Strategy: stream.TrimMaxLen, MaxLen: 2}, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	entries, _ := e.XRange("s", stream.MinID, stream.MaxID, 0)
	assert.Equal(t, "3", string(entries[0].Fields[0].Value))
	assert.Equal(t, "4", string(entries[1].Fields[0].Value))

	_, _, err = e.XAdd("s", store.XAddArgs{
		ID:     stream.AutoID,
		Fields: fv("i", "5"),
		Trim:   stream.TrimOptions{Strategy: stream.TrimMaxLen, MaxLen: 1},
	}, 20)
	require.NoError(t, err)
	n, _ := e.XLen("s")
	assert.Equal(t, 1, n)

	removed, err = e.XTrim("missing", stream.TrimOptions{Strategy: stream.TrimMaxLen}, 20)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestXReadResolvesDollar(t *testing.T) {
	e := newEngine(t)
	first, _, err := e.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: fv("a", "1")}, 1)
	require.NoError(t, err)

	after, err := e.XResolveLastIDs([]string{"s", "missing"}, []string{"$", "$"})
	require.NoError(t, err)
	assert.Equal(t, []stream.ID{first, stream.MinID}, after)

	res, err := e.XRead([]string{"s", "missing"}, after, 0)
	require.NoError(t, err)
	assert.Empty(t, res)

	second, _, err := e.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: fv("a", "2")}, 2)
	require.NoError(t, err)
	res, err = e.XRead([]string{"s", "missing"}, after, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "s", res[0].Key)
	assert.Equal(t, second, res[0].Entries[0].ID)

	_, err = e.XResolveLastIDs([]string{"s"}, []string{"$", "0"})
	assert.Error(t, err)
}

func TestGroupLifecycle(t *testing.T) {
	e := newEngine(t)

	// group operations need the stream
	err := e.XGroupCreate("s", "g", "$", false, 1)
	assert.ErrorIs(t, err, store.ErrNoSuchStream)
	_, err = e.XReadGroup(store.XReadGroupArgs{Group: "g", Consumer: "c", Keys: []string{"s"}, IDs: []string{">"}}, 1)
	assert.ErrorIs(t, err, store.ErrNoSuchStream)

	require.NoError(t, e.XGroupCreate("s", "g", "$", true, 1))
	assert.ErrorIs(t, e.XGroupCreate("s", "g", "$", false, 1), store.ErrGroupExists)

	_, err = e.XReadGroup(store.XReadGroupArgs{Group: "nope", Consumer: "c", Keys: []string{"s"}, IDs: []string{">"}}, 1)
	assert.ErrorIs(t, err, store.ErrNoSuchGroup)

	// empty before the append
	res, err := e.XReadGroup(store.XReadGroupArgs{Group: "g", Consumer: "c", Keys: []string{"s"}, IDs: []string{">"}}, 2)
	require.NoError(t, err)
	assert.Empty(t, res)

	id, _, err := e.XAdd("s", store.XAddArgs{ID: stream.AutoID, Fields: fv("a", "1")}, 3)
	require.NoError(t, err)

	res, err = e.XReadGroup(store.XReadGroupArgs{Group: "g", Consumer: "c", Keys: []string{"s"}, IDs: []string{">"}}, 4)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0].Entries, 1)
	assert.Equal(t, id, res[0].Entries[0].ID)

	summary, err := e.XPending("s", "g")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count)

	pending, err := e.XPendingRange("s", "g", stream.PendingQuery{Lo: stream.MinID, Hi: stream.MaxID, Count: 10}, 14)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(10), pending[0].Idle)

	// history read returns the stream even if empty
	res, err = e.XReadGroup(store.XReadGroupArgs{Group: "g", Consumer: "other", Keys: []string{"s"}, IDs: []string{"0"}}, 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Empty(t, res[0].Entries)

	claimed, err := e.XClaim("s", "g", "other", 0, []stream.ID{id}, stream.ClaimOptions{}, 20)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	consumers, err := e.XInfoConsumers("s", "g", 20)
	require.NoError(t, err)
	assert.Len(t, consumers, 2)

	acked, err := e.XAck("s", "g", []stream.ID{id, id}, 21)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	acked, err = e.XAck("s", "g", []stream.ID{id}, 21)
	require.NoError(t, err)
	assert.Equal(t, 0, acked)

	created, err := e.XGroupCreateConsumer("s", "g", "third", 22)
	require.NoError(t, err)
	assert.True(t, created)
	owned, err := e.XGroupDelConsumer("s", "g", "third", 22)
	require.NoError(t, err)
	assert.Zero(t, owned)

	require.NoError(t, e.XGroupSetID("s", "g", "0", 23))
	groups, err := e.XInfoGroups("s")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, stream.MinID, groups[0].LastDeliveredID)

	destroyed, err := e.XGroupDestroy("s", "g", 24)
	require.NoError(t, err)
	assert.True(t, destroyed)
	destroyed, err = e.XGroupDestroy("s", "g", 24)
	require.NoError(t, err)
	assert.False(t, destroyed)

	info, err := e.XInfoStream("s")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Length)
	require.NotNil(t, info.FirstEntry)
	assert.Equal(t, id, info.FirstEntry.ID)

	_, err = e.XInfoStream("missing")
	assert.ErrorIs(t, err, store.ErrNoSuchStream)
}

func TestOnlyNewEntries(t *testing.T) {
	assert.True(t, OnlyNewEntries([]string{">", ">"}))
	assert.False(t, OnlyNewEntries([]string{">", "0"}))
}

// --------------------------------------------------------------------------
// Keyspace
// --------------------------------------------------------------------------

func TestKeyspace(t *testing.T) {
	e := newEngine(t)
	_, err := e.HSet("a", fv("f", "v"), 1000)
	require.NoError(t, err)
	_, err = e.HSet("b", fv("f", "v"), 1000)
	require.NoError(t, err)

	assert.Equal(t, 3, e.Exists([]string{"a", "a", "b", "c"}))
	assert.Equal(t, store.TTLPersistent, e.TTL("a", 1000))
	assert.Equal(t, store.TTLMissing, e.TTL("c", 1000))

	assert.True(t, e.Expire("a", 5000, 1000))
	assert.Equal(t, int64(4000), e.TTL("a", 2000))
	assert.False(t, e.Expire("c", 5000, 1000))

	// writes keep the deadline
	_, err = e.HSet("a", fv("g", "w"), 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), e.TTL("a", 3000))

	// the key disappears once the clock passes the deadline
	e.DB().SetWriteIdx(6000)
	assert.Equal(t, 0, e.Exists([]string{"a"}))
	assert.Equal(t, store.TTLMissing, e.TTL("a", 6000))

	assert.True(t, e.Expire("b", 0, 6000))
	assert.Equal(t, db.TypeNone, e.Type("b"))

	_, err = e.HSet("c", fv("f", "v"), 7000)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Delete([]string{"c", "c", "missing"}, 7000))
}
