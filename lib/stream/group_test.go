package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupAtLastDeliversOnlyNewEntries(t *testing.T) {
	s := New()
	addN(t, s, 2, 10)

	start, err := s.ResolveGroupID("$")
	require.NoError(t, err)
	require.NoError(t, s.CreateGroup("g", start))

	got, err := s.ReadGroup("g", "c1", NewEntries, 0, false, 20)
	require.NoError(t, err)
	assert.Empty(t, got)

	id, err := s.Add(AutoID, fv("k", "v"), 30)
	require.NoError(t, err)

	got, err = s.ReadGroup("g", "c1", NewEntries, 0, false, 40)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	sum, err := s.Pending("g")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, id, sum.Lowest)
	assert.Equal(t, id, sum.Highest)
	assert.Equal(t, []ConsumerPending{{Name: "c1", Count: 1}}, sum.Consumers)
}

func TestCreateGroupTwice(t *testing.T) {
	s := New()
	require.NoError(t, s.CreateGroup("g", MinID))
	assert.ErrorIs(t, s.CreateGroup("g", MinID), ErrGroupExists)
	assert.True(t, s.DestroyGroup("g"))
	assert.False(t, s.DestroyGroup("g"))
}

func TestMissingGroup(t *testing.T) {
	s := New()
	_, err := s.ReadGroup("nope", "c", NewEntries, 0, false, 0)
	assert.ErrorIs(t, err, ErrNoSuchGroup)
	_, err = s.Ack("nope", []ID{{1, 1}})
	assert.ErrorIs(t, err, ErrNoSuchGroup)
	_, err = s.Claim("nope", "c", 0, nil, ClaimOptions{}, 0)
	assert.ErrorIs(t, err, ErrNoSuchGroup)
	_, err = s.Pending("nope")
	assert.ErrorIs(t, err, ErrNoSuchGroup)
	assert.ErrorIs(t, s.SetGroupID("nope", MinID), ErrNoSuchGroup)
	_, err = s.DeleteConsumer("nope", "c")
	assert.ErrorIs(t, err, ErrNoSuchGroup)
	_, err = s.ConsumersInfo("nope", 0)
	assert.ErrorIs(t, err, ErrNoSuchGroup)
}

func TestAckIsIdempotent(t *testing.T) {
	s := New()
	added := addN(t, s, 3, 1)
	require.NoError(t, s.CreateGroup("g", MinID))
	_, err := s.ReadGroup("g", "c", NewEntries, 0, false, 2)
	require.NoError(t, err)

	n, err := s.Ack("g", []ID{added[1]})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Ack("g", []ID{added[1]})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// unknown ids neither count nor fail
	n, err = s.Ack("g", []ID{added[0], {999, 9}, added[0]})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sum, _ := s.Pending("g")
	assert.Equal(t, 1, sum.Count)
}

func TestNoAckSkipsPEL(t *testing.T) {
	s := New()
	addN(t, s, 3, 1)
	require.NoError(t, s.CreateGroup("g", MinID))

	got, err := s.ReadGroup("g", "c", NewEntries, 0, true, 2)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	sum, _ := s.Pending("g")
	assert.Equal(t, 0, sum.Count)
	assert.Equal(t, s.LastID(), s.GroupsInfo()[0].LastDeliveredID)
}

func TestReadGroupCount(t *testing.T) {
	s := New()
	added := addN(t, s, 5, 1)
	require.NoError(t, s.CreateGroup("g", MinID))

	got, err := s.ReadGroup("g", "a", NewEntries, 2, false, 2)
	require.NoError(t, err)
	assert.Equal(t, added[:2], ids(got))

	got, err = s.ReadGroup("g", "b", NewEntries, 2, false, 2)
	require.NoError(t, err)
	assert.Equal(t, added[2:4], ids(got))
}

func TestReadGroupHistory(t *testing.T) {
	s := New()
	added := addN(t, s, 4, 1)
	require.NoError(t, s.CreateGroup("g", MinID))

	_, err := s.ReadGroup("g", "a", NewEntries, 3, false, 10)
	require.NoError(t, err)
	_, err = s.ReadGroup("g", "b", NewEntries, 1, false, 10)
	require.NoError(t, err)

	// history of a only, after 0
	got, err := s.ReadGroup("g", "a", ReadOffset{}, 0, false, 50)
	require.NoError(t, err)
	assert.Equal(t, added[:3], ids(got))

	// after the first id, limited
	got, err = s.ReadGroup("g", "a", ReadOffset{ID: added[0]}, 1, false, 60)
	require.NoError(t, err)
	assert.Equal(t, added[1:2], ids(got))

	rows, err := s.PendingRange("g", PendingQuery{Lo: MinID, Hi: MaxID, Count: 10, Consumer: "a"}, 100)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, uint64(2), rows[0].DeliveryCount)
	assert.Equal(t, uint64(50), rows[0].Idle)
	assert.Equal(t, uint64(3), rows[1].DeliveryCount)
	assert.Equal(t, uint64(40), rows[1].Idle)

	// deleted entries are returned without fields
	s.Delete([]ID{added[2]})
	got, err = s.ReadGroup("g", "a", ReadOffset{ID: added[1]}, 0, false, 70)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, added[2], got[0].ID)
	assert.Nil(t, got[0].Fields)
}

func TestClaimMinIdle(t *testing.T) {
	setup := func(t *testing.T) (*Stream, []ID) {
		s := New()
		added := addN(t, s, 3, 1)
		require.NoError(t, s.CreateGroup("g", MinID))
		_, err := s.ReadGroup("g", "a", NewEntries, 0, false, 100)
		require.NoError(t, err)
		return s, added
	}

	t.Run("min idle above idle time claims nothing", func(t *testing.T) {
		s, added := setup(t)
		got, err := s.Claim("g", "b", 1000, added, ClaimOptions{}, 500)
		require.NoError(t, err)
		assert.Empty(t, got)

		sum, _ := s.Pending("g")
		assert.Equal(t, []ConsumerPending{{Name: "a", Count: 3}}, sum.Consumers)
	})

	t.Run("min idle zero claims all", func(t *testing.T) {
		s, added := setup(t)
		got, err := s.Claim("g", "b", 0, added, ClaimOptions{}, 100)
		require.NoError(t, err)
		assert.Equal(t, added, ids(got))

		sum, _ := s.Pending("g")
		assert.Equal(t, []ConsumerPending{{Name: "b", Count: 3}}, sum.Consumers)

		rows, _ := s.PendingRange("g", PendingQuery{Lo: MinID, Hi: MaxID, Count: 10}, 100)
		for _, r := range rows {
			assert.Equal(t, uint64(2), r.DeliveryCount)
			assert.Equal(t, "b", r.Consumer)
		}
	})

	t.Run("idle enough", func(t *testing.T) {
		s, added := setup(t)
		got, err := s.Claim("g", "b", 400, added[:1], ClaimOptions{}, 500)
		require.NoError(t, err)
		assert.Equal(t, added[:1], ids(got))
	})

	t.Run("not pending is skipped", func(t *testing.T) {
		s, added := setup(t)
		_, _ = s.Ack("g", added[:1])
		got, err := s.Claim("g", "b", 0, []ID{added[0], {999, 0}, added[1]}, ClaimOptions{}, 200)
		require.NoError(t, err)
		assert.Equal(t, added[1:2], ids(got))
	})

	t.Run("deleted entry leaves the pel", func(t *testing.T) {
		s, added := setup(t)
		s.Delete(added[:1])
		got, err := s.Claim("g", "b", 0, added[:2], ClaimOptions{}, 200)
		require.NoError(t, err)
		assert.Equal(t, added[1:2], ids(got))

		sum, _ := s.Pending("g")
		assert.Equal(t, 2, sum.Count)
	})
}

func TestClaimOptions(t *testing.T) {
	s := New()
	added := addN(t, s, 3, 1)
	require.NoError(t, s.CreateGroup("g", MinID))
	_, err := s.ReadGroup("g", "a", NewEntries, 2, false, 100)
	require.NoError(t, err)

	// JUSTID: ids only, delivery count untouched
	got, err := s.Claim("g", "b", 0, added[:1], ClaimOptions{JustID: true}, 200)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{ID: added[0]}}, got)

	// IDLE and RETRYCOUNT
	_, err = s.Claim("g", "b", 0, added[1:2], ClaimOptions{Idle: 70, HasIdle: true, RetryCount: 9, HasRetryCount: true}, 200)
	require.NoError(t, err)

	// FORCE creates a pending entry for an entry never delivered
	got, err = s.Claim("g", "b", 0, added[2:3], ClaimOptions{Force: true}, 200)
	require.NoError(t, err)
	assert.Equal(t, added[2:3], ids(got))

	rows, err := s.PendingRange("g", PendingQuery{Lo: MinID, Hi: MaxID, Count: 10}, 200)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, PendingInfo{ID: added[0], Consumer: "b", Idle: 0, DeliveryCount: 1}, rows[0])
	assert.Equal(t, PendingInfo{ID: added[1], Consumer: "b", Idle: 70, DeliveryCount: 9}, rows[1])
	assert.Equal(t, PendingInfo{ID: added[2], Consumer: "b", Idle: 0, DeliveryCount: 1}, rows[2])
}

func TestPendingRangeFilters(t *testing.T) {
	s := New()
	added := addN(t, s, 6, 1)
	require.NoError(t, s.CreateGroup("g", MinID))
	_, _ = s.ReadGroup("g", "a", NewEntries, 3, false, 100)
	_, _ = s.ReadGroup("g", "b", NewEntries, 3, false, 150)

	rows, err := s.PendingRange("g", PendingQuery{Lo: added[1], Hi: added[4], Count: 10}, 200)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	rows, _ = s.PendingRange("g", PendingQuery{Lo: MinID, Hi: MaxID, Count: 2}, 200)
	assert.Len(t, rows, 2)

	rows, _ = s.PendingRange("g", PendingQuery{Lo: MinID, Hi: MaxID, Count: 10, MinIdle: 75}, 200)
	assert.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, "a", r.Consumer)
	}

	rows, _ = s.PendingRange("g", PendingQuery{Lo: MinID, Hi: MaxID, Count: 10, Consumer: "b"}, 200)
	assert.Equal(t, []ID{added[3], added[4], added[5]}, []ID{rows[0].ID, rows[1].ID, rows[2].ID})

	rows, _ = s.PendingRange("g", PendingQuery{Lo: MinID, Hi: MaxID, Count: 10, Consumer: "nobody"}, 200)
	assert.Empty(t, rows)
}

func TestConsumerManagement(t *testing.T) {
	s := New()
	addN(t, s, 4, 1)
	require.NoError(t, s.CreateGroup("g", MinID))

	created, err := s.CreateConsumer("g", "idle", 5)
	require.NoError(t, err)
	assert.True(t, created)
	created, _ = s.CreateConsumer("g", "idle", 5)
	assert.False(t, created)

	_, _ = s.ReadGroup("g", "worker", NewEntries, 3, false, 10)

	infos, err := s.ConsumersInfo("g", 30)
	require.NoError(t, err)
	assert.Equal(t, []ConsumerInfo{
		{Name: "idle", Pending: 0, Idle: 25, Inactive: -1},
		{Name: "worker", Pending: 3, Idle: 20, Inactive: 20},
	}, infos)

	n, err := s.DeleteConsumer("g", "worker")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sum, _ := s.Pending("g")
	assert.Equal(t, 0, sum.Count)

	n, err = s.DeleteConsumer("g", "ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	groups := s.GroupsInfo()
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Consumers)
}

func TestSetGroupIDRedelivers(t *testing.T) {
	s := New()
	added := addN(t, s, 3, 1)
	require.NoError(t, s.CreateGroup("g", MinID))
	_, _ = s.ReadGroup("g", "a", NewEntries, 0, false, 10)

	require.NoError(t, s.SetGroupID("g", added[0]))
	got, err := s.ReadGroup("g", "b", NewEntries, 0, false, 20)
	require.NoError(t, err)
	assert.Equal(t, added[1:], ids(got))

	sum, _ := s.Pending("g")
	assert.Equal(t, 3, sum.Count)
	assert.Equal(t, []ConsumerPending{{Name: "a", Count: 1}, {Name: "b", Count: 2}}, sum.Consumers)
}
