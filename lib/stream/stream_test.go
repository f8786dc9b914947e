package stream

import (
	"fmt"
	"testing"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fv(kv ...string) []db.FieldValue {
	out := make([]db.FieldValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, db.FieldValue{Field: kv[i], Value: []byte(kv[i+1])})
	}
	return out
}

func ids(entries []Entry) []ID {
	out := make([]ID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func addN(t *testing.T, s *Stream, n int, now uint64) []ID {
	t.Helper()
	var out []ID
	for i := 0; i < n; i++ {
		id, err := s.Add(AutoID, fv("n", fmt.Sprint(i)), now)
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

// --------------------------------------------------------------------------
// Append
// --------------------------------------------------------------------------

func TestAutoIDsStrictlyIncrease(t *testing.T) {
	s := New()
	clock := []uint64{100, 100, 100, 99, 50, 101, 101, 0}

	var last ID
	for i, now := range clock {
		id, err := s.Add(AutoID, fv("i", fmt.Sprint(i)), now)
		require.NoError(t, err)
		assert.True(t, last.Less(id), "id %s not greater than %s", id, last)
		last = id
	}
	assert.Equal(t, ID{101, 2}, s.LastID())
}

func TestExplicitIDMustIncrease(t *testing.T) {
	s := New()
	_, err := s.Add(AddID{Kind: AddIDExplicit, ID: ID{5, 5}}, fv("a", "1"), 0)
	require.NoError(t, err)

	for _, bad := range []ID{{5, 5}, {5, 4}, {1, 0}, {0, 0}} {
		_, err := s.Add(AddID{Kind: AddIDExplicit, ID: bad}, fv("a", "2"), 0)
		require.ErrorIs(t, err, ErrInvalidID, "id %s", bad)
	}

	// state unchanged
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, ID{5, 5}, s.LastID())
	assert.Equal(t, uint64(1), s.Info().EntriesAdded)
}

func TestZeroIDIsInvalid(t *testing.T) {
	s := New()
	_, err := s.Add(AddID{Kind: AddIDExplicit}, fv("a", "1"), 0)
	require.ErrorIs(t, err, ErrInvalidID)

	id, err := s.Add(AddID{Kind: AddIDAutoSeq}, fv("a", "1"), 0)
	require.NoError(t, err)
	assert.Equal(t, ID{0, 1}, id)
}

func TestAutoSeq(t *testing.T) {
	s := New()
	id, err := s.Add(AddID{Kind: AddIDAutoSeq, ID: ID{Ms: 10}}, fv("a", "1"), 0)
	require.NoError(t, err)
	assert.Equal(t, ID{10, 0}, id)

	id, err = s.Add(AddID{Kind: AddIDAutoSeq, ID: ID{Ms: 10}}, fv("a", "1"), 0)
	require.NoError(t, err)
	assert.Equal(t, ID{10, 1}, id)

	_, err = s.Add(AddID{Kind: AddIDAutoSeq, ID: ID{Ms: 9}}, fv("a", "1"), 0)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestDuplicateFieldsLastWins(t *testing.T) {
	s := New()
	id, err := s.Add(AutoID, fv("a", "1", "b", "2", "a", "3"), 1)
	require.NoError(t, err)

	e, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, fv("a", "3", "b", "2"), e.Fields)
}

// --------------------------------------------------------------------------
// Range
// --------------------------------------------------------------------------

func TestRangeReturnsAppendOrder(t *testing.T) {
	s := New()
	added := addN(t, s, 3, 1000)

	got := s.Range(MinID, MaxID, 0)
	assert.Equal(t, added, ids(got))
	assert.Equal(t, "0", string(got[0].Fields[0].Value))
}

func TestRangeAcrossNodes(t *testing.T) {
	s := New()
	added := addN(t, s, 3*NodeCapacity+7, 1)
	require.Equal(t, 4, s.Info().Nodes)

	tests := []struct {
		name   string
		lo, hi int
		count  int
	}{
		{"all", 0, len(added) - 1, 0},
		{"inside first node", 3, 20, 0},
		{"crossing nodes", 95, 205, 0},
		{"count caps", 50, 250, 10},
		{"single", 150, 150, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := added[tt.lo : tt.hi+1]
			if tt.count > 0 {
				want = want[:tt.count]
			}
			assert.Equal(t, want, ids(s.Range(added[tt.lo], added[tt.hi], tt.count)))

			rev := s.RevRange(added[tt.hi], added[tt.lo], tt.count)
			wantRev := make([]ID, 0)
			for i := tt.hi; i >= tt.lo; i-- {
				if tt.count > 0 && len(wantRev) >= tt.count {
					break
				}
				wantRev = append(wantRev, added[i])
			}
			assert.Equal(t, wantRev, ids(rev))
		})
	}

	assert.Empty(t, s.Range(added[5], added[4], 0))
	assert.Empty(t, s.RevRange(added[4], added[5], 0))
	assert.Len(t, s.RevRange(MaxID, MinID, 0), len(added))
}

func TestAfter(t *testing.T) {
	s := New()
	added := addN(t, s, 5, 1)
	assert.Equal(t, added[2:], ids(s.After(added[1], 0)))
	assert.Equal(t, added[2:4], ids(s.After(added[1], 2)))
	assert.Empty(t, s.After(added[4], 0))
	assert.Empty(t, s.After(MaxID, 0))
}

// --------------------------------------------------------------------------
// Delete & Trim
// --------------------------------------------------------------------------

func TestDelete(t *testing.T) {
	s := New()
	added := addN(t, s, 10, 1)

	assert.Equal(t, 2, s.Delete([]ID{added[3], added[7], {999, 0}}))
	assert.Equal(t, 0, s.Delete([]ID{added[3]}))
	assert.Equal(t, 8, s.Len())
	assert.Equal(t, added[7], s.Info().MaxDeletedID)

	_, ok := s.Get(added[3])
	assert.False(t, ok)

	// last id is kept after deleting the newest entry
	s.Delete([]ID{added[9]})
	assert.Equal(t, added[9], s.LastID())
	_, err := s.Add(AddID{Kind: AddIDExplicit, ID: added[9]}, fv("a", "b"), 0)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestExactTrimMaxLen(t *testing.T) {
	s := New()
	added := addN(t, s, 5, 1)

	removed := s.Trim(TrimOptions{Strategy: TrimMaxLen, MaxLen: 2})
	assert.Equal(t, 3, removed)
	assert.Equal(t, added[3:], ids(s.Range(MinID, MaxID, 0)))
}

func TestTrimAcrossNodes(t *testing.T) {
	tests := []struct {
		name        string
		opts        TrimOptions
		wantRemoved int
	}{
		{"exact maxlen", TrimOptions{Strategy: TrimMaxLen, MaxLen: 150}, 200},
		{"approx maxlen keeps partial node", TrimOptions{Strategy: TrimMaxLen, MaxLen: 150, Approx: true}, 200},
		{"approx maxlen removes fewer", TrimOptions{Strategy: TrimMaxLen, MaxLen: 170, Approx: true}, 100},
		{"approx maxlen limited", TrimOptions{Strategy: TrimMaxLen, MaxLen: 0, Approx: true, Limit: 150}, 100},
		{"exact minid", TrimOptions{Strategy: TrimMinID, MinID: ID{1, 123}}, 123},
		{"approx minid", TrimOptions{Strategy: TrimMinID, MinID: ID{1, 123}, Approx: true}, 100},
		{"nothing to trim", TrimOptions{Strategy: TrimMaxLen, MaxLen: 1000}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			// ids 1-0 .. 1-349 with a fixed clock
			added := addN(t, s, 350, 1)

			removed := s.Trim(tt.opts)
			assert.Equal(t, tt.wantRemoved, removed)
			assert.Equal(t, 350-removed, s.Len())
			assert.Equal(t, added[removed:], ids(s.Range(MinID, MaxID, 0)))
		})
	}
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

func TestMarshalRoundTrip(t *testing.T) {
	s := New()
	added := addN(t, s, 250, 10)
	s.Delete([]ID{added[0]})
	require.NoError(t, s.CreateGroup("g", MinID))
	_, err := s.ReadGroup("g", "alice", NewEntries, 5, false, 20)
	require.NoError(t, err)
	_, err = s.ReadGroup("g", "bob", NewEntries, 3, false, 30)
	require.NoError(t, err)
	_, err = s.Ack("g", []ID{added[2]})
	require.NoError(t, err)

	data, err := s.MarshalBinary()
	require.NoError(t, err)
	r, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, s.Info(), r.Info())
	assert.Equal(t, s.Range(MinID, MaxID, 0), r.Range(MinID, MaxID, 0))
	assert.Equal(t, s.GroupsInfo(), r.GroupsInfo())

	want, _ := s.PendingRange("g", PendingQuery{Lo: MinID, Hi: MaxID, Count: 100}, 40)
	got, _ := r.PendingRange("g", PendingQuery{Lo: MinID, Hi: MaxID, Count: 100}, 40)
	assert.Equal(t, want, got)

	wc, _ := s.ConsumersInfo("g", 40)
	gc, _ := r.ConsumersInfo("g", 40)
	assert.Equal(t, wc, gc)

	// restored stream keeps generating greater ids
	id, err := r.Add(AutoID, fv("x", "y"), 0)
	require.NoError(t, err)
	assert.True(t, added[len(added)-1].Less(id))
}
