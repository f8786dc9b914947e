package stream

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    ID
		wantErr bool
	}{
		{"1-2", ID{1, 2}, false},
		{"15", ID{15, 0}, false},
		{"0-0", ID{}, false},
		{"18446744073709551615-18446744073709551615", MaxID, false},
		{"", ID{}, true},
		{"-1", ID{}, true},
		{"1-", ID{}, true},
		{"a-1", ID{}, true},
		{"1-2-3", ID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseID(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, MustParseID(got.String()))
		})
	}
}

func TestIDOrdering(t *testing.T) {
	assert.True(t, ID{1, 5}.Less(ID{2, 0}))
	assert.True(t, ID{1, 5}.Less(ID{1, 6}))
	assert.False(t, ID{1, 5}.Less(ID{1, 5}))
	assert.Equal(t, 0, ID{3, 3}.Compare(ID{3, 3}))

	next, ok := ID{1, math.MaxUint64}.Next()
	require.True(t, ok)
	assert.Equal(t, ID{2, 0}, next)
	_, ok = MaxID.Next()
	assert.False(t, ok)

	prev, ok := ID{2, 0}.Prev()
	require.True(t, ok)
	assert.Equal(t, ID{1, math.MaxUint64}, prev)
	_, ok = MinID.Prev()
	assert.False(t, ok)
}

func TestParseAddID(t *testing.T) {
	a, err := ParseAddID("*")
	require.NoError(t, err)
	assert.Equal(t, AddIDAuto, a.Kind)

	a, err = ParseAddID("12-*")
	require.NoError(t, err)
	assert.Equal(t, AddID{Kind: AddIDAutoSeq, ID: ID{Ms: 12}}, a)
	assert.Equal(t, "12-*", a.String())

	a, err = ParseAddID("12-3")
	require.NoError(t, err)
	assert.Equal(t, AddID{Kind: AddIDExplicit, ID: ID{12, 3}}, a)

	_, err = ParseAddID("x-*")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		lo, hi     ID
		empty      bool
		wantErr    bool
	}{
		{"full", "-", "+", MinID, MaxID, false, false},
		{"bare ms", "5", "7", ID{5, 0}, ID{7, math.MaxUint64}, false, false},
		{"exclusive start", "(5-1", "+", ID{5, 2}, MaxID, false, false},
		{"exclusive end", "-", "(5-0", MinID, ID{4, math.MaxUint64}, false, false},
		{"inverted", "9", "3", ID{9, 0}, ID{3, math.MaxUint64}, true, false},
		{"exclusive end at zero", "-", "(0-0", MinID, ID{}, true, false},
		{"exclusive start at max", "(18446744073709551615-18446744073709551615", "+", MaxID, MaxID, true, false},
		{"exclusive special", "(-", "+", ID{}, ID{}, false, true},
		{"garbage", "x", "+", ID{}, ID{}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, empty, err := ParseInterval(tt.start, tt.end)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.empty, empty)
			if !tt.empty {
				assert.Equal(t, tt.lo, lo)
				assert.Equal(t, tt.hi, hi)
			}
		})
	}
}
