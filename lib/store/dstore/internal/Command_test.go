package internal

import (
	"testing"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCommandRoundTrip checks that the options of a stream command survive the raft log
func TestCommandRoundTrip(t *testing.T) {
	in := Command{
		Type:  CommandTXAdd,
		Now:   1_700_000_000_123,
		Key:   "events",
		Pairs: []db.FieldValue{{Field: "a", Value: []byte{0, 1, 2}}, {Field: "b", Value: []byte("x")}},
		Flag:  true,
		AddID: stream.AddID{Kind: stream.AddIDAutoSeq, ID: stream.ID{Ms: 7}},
		Trim:  stream.TrimOptions{Strategy: stream.TrimMinID, MinID: stream.ID{Ms: 5, Seq: 2}, Approx: true, Limit: 10},
	}
	data, err := in.Serialize()
	require.NoError(t, err)

	var out Command
	require.NoError(t, out.Deserialize(data))
	assert.Equal(t, in, out)
}

// TestDeserializeReusedCommand checks that fields of a previous command do not leak into the next one
func TestDeserializeReusedCommand(t *testing.T) {
	first, err := (&Command{Type: CommandTHSet, Key: "h", Fields: []string{"f"}}).Serialize()
	require.NoError(t, err)
	second, err := (&Command{Type: CommandTDelete, Keys: []string{"a", "b"}}).Serialize()
	require.NoError(t, err)

	var cmd Command
	require.NoError(t, cmd.Deserialize(first))
	require.NoError(t, cmd.Deserialize(second))
	assert.Equal(t, CommandTDelete, cmd.Type)
	assert.Empty(t, cmd.Key)
	assert.Nil(t, cmd.Fields)
}

func TestDeserializeInvalid(t *testing.T) {
	var cmd Command
	assert.Error(t, cmd.Deserialize(nil))
	assert.Error(t, cmd.Deserialize([]byte{0x01}))
}

// TestResultKeepsDeletedEntries checks that history entries without fields stay distinguishable
func TestResultKeepsDeletedEntries(t *testing.T) {
	in := Result{Streams: []store.StreamEntries{{
		Key: "s",
		Entries: []stream.Entry{
			{ID: stream.ID{Ms: 1}, Fields: []db.FieldValue{{Field: "f", Value: []byte("v")}}},
			{ID: stream.ID{Ms: 2}},
		},
	}}}
	data, err := in.Serialize()
	require.NoError(t, err)

	var out Result
	require.NoError(t, out.Deserialize(data))
	require.Len(t, out.Streams, 1)
	require.Len(t, out.Streams[0].Entries, 2)
	assert.NotNil(t, out.Streams[0].Entries[0].Fields)
	assert.Nil(t, out.Streams[0].Entries[1].Fields)
}

func TestToDBFeature(t *testing.T) {
	tests := []struct {
		cmd  CommandType
		want db.Feature
	}{
		{CommandTHSet, db.FeatureHash},
		{CommandTHIncrByFloat, db.FeatureHash},
		{CommandTXAdd, db.FeatureStream},
		{CommandTXGroupDelConsumer, db.FeatureStream},
		{CommandTDelete, db.FeatureDelete},
		{CommandTExpire, db.FeatureExpire},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			got, err := tt.cmd.ToDBFeature()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := CommandType(200).ToDBFeature()
	assert.Error(t, err)
}
