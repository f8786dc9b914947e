package codec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, values ...Value) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, v := range values {
		require.NoError(t, w.WriteValue(v))
	}
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func TestWriterEncoding(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"status", Status("OK"), "+OK\r\n"},
		{"error", Err("NOGROUP no such group"), "-NOGROUP no such group\r\n"},
		{"error with line break", Err("ERR a\r\nb"), "-ERR a  b\r\n"},
		{"int", Int(-42), ":-42\r\n"},
		{"bulk", BulkString("foo"), "$3\r\nfoo\r\n"},
		{"empty bulk", BulkString(""), "$0\r\n\r\n"},
		{"binary bulk", Bulk([]byte("a\r\nb")), "$4\r\na\r\nb\r\n"},
		{"null bulk", NullBulk(), "$-1\r\n"},
		{"null array", NullArray(), "*-1\r\n"},
		{"empty array", Array(), "*0\r\n"},
		{"nested", Array(BulkString("1-0"), Array(BulkString("f"), BulkString("v"))), "*2\r\n$3\r\n1-0\r\n*2\r\n$1\r\nf\r\n$1\r\nv\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(encode(t, tt.v)))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	values := []Value{
		Status("PONG"),
		Err("WRONGTYPE Operation against a key holding the wrong kind of value"),
		Int(7),
		BulkString("hello"),
		NullBulk(),
		NullArray(),
		Array(Int(1), NullBulk(), Array(BulkString("x"))),
	}
	data := encode(t, values...)

	// one byte per read exercises every partial read path
	r := NewReader(iotest.OneByteReader(bytes.NewReader(data)))
	for _, want := range values {
		got, err := r.ReadValue()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := r.ReadValue()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAppendCommand(t *testing.T) {
	got := AppendCommand(nil, "HSET", "h", "f", "")
	assert.Equal(t, "*4\r\n$4\r\nHSET\r\n$1\r\nh\r\n$1\r\nf\r\n$0\r\n\r\n", string(got))

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteCommand("HSET", "h", "f", ""))
	require.NoError(t, w.Flush())
	assert.Equal(t, got, buf.Bytes())
}

func TestReadCommand(t *testing.T) {
	r := NewReader(strings.NewReader("*2\r\n$4\r\nECHO\r\n$2\r\nhi\r\nPING  extra\r\n\r\n"))

	args, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("ECHO"), []byte("hi")}, args)

	args, err = r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("PING"), []byte("extra")}, args)

	args, err = r.ReadCommand()
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = r.ReadCommand()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadCommandRejectsNonBulk(t *testing.T) {
	r := NewReader(strings.NewReader("*1\r\n:1\r\n"))
	_, err := r.ReadCommand()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadHeader(t *testing.T) {
	r := NewReader(strings.NewReader("*3\r\n:1\r\n:2\r\n:3\r\n+OK\r\n"))

	h, err := r.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, KindArray, h.Kind)
	assert.EqualValues(t, 3, h.Int)
	assert.Nil(t, h.Elems)

	for i := int64(1); i <= 3; i++ {
		v, err := r.ReadValue()
		require.NoError(t, err)
		assert.Equal(t, i, v.Int)
	}
	v, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "OK", v.Text())
}

func TestMalformedInput(t *testing.T) {
	tests := map[string]string{
		"unknown type":         "?x\r\n",
		"missing CR":           "+OK\n",
		"bad integer":          ":12a\r\n",
		"plus integer":         ":+1\r\n",
		"negative bulk":        "$-2\r\n",
		"bulk without CRLF":    "$3\r\nfooXX",
		"negative array":       "*-5\r\n",
		"array too long":       "*2000000\r\n",
		"bulk too long":        "$536870913\r\n",
		"empty length":         "$\r\n",
		"nested bad element":   "*1\r\n!\r\n",
		"line too long":        "+" + strings.Repeat("a", MaxLineLen+1) + "\r\n",
		"header line too long": "*" + strings.Repeat("1", MaxLineLen+10) + "\r\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(input)).ReadValue()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
			var pe *ProtocolError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestTruncatedInput(t *testing.T) {
	for _, input := range []string{"+OK", "$5\r\nab", "*2\r\n:1\r\n", ":1\r"} {
		_, err := NewReader(strings.NewReader(input)).ReadValue()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "input %q", input)
	}
}

func TestLongLineWithinLimit(t *testing.T) {
	long := strings.Repeat("x", readBufferSize*2)
	v, err := NewReader(strings.NewReader("+" + long + "\r\n")).ReadValue()
	require.NoError(t, err)
	assert.Equal(t, long, v.Text())
}

func TestValueInteger(t *testing.T) {
	n, err := Int(5).Integer()
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	n, err = BulkString("-3").Integer()
	require.NoError(t, err)
	assert.EqualValues(t, -3, n)

	_, err = NullBulk().Integer()
	assert.Error(t, err)
	_, err = BulkString("x").Integer()
	assert.Error(t, err)
}
