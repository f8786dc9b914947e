package codec

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	readBufferSize = 16 << 10
	// maxDepth limits the nesting of arrays, replies of the command set nest at most three levels
	maxDepth = 32
)

// Reader decodes RESP values from a byte stream.
// It is not safe for concurrent use.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r in a buffered RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, readBufferSize)}
}

// Buffered returns the number of bytes that can be read without touching the underlying reader
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// ReadValue reads one complete value including all nested array elements.
// io.EOF is only returned if the stream ended before the first byte of the value.
func (r *Reader) ReadValue() (Value, error) {
	return r.readValue(0)
}

func (r *Reader) readValue(depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, protocolErrorf("arrays nested deeper than %d levels", maxDepth)
	}
	v, err := r.ReadHeader()
	if err != nil || v.Kind != KindArray || v.Null {
		return v, err
	}
	v.Elems = make([]Value, v.Int)
	for i := range v.Elems {
		if v.Elems[i], err = r.readValue(depth + 1); err != nil {
			return Value{}, noEOF(err)
		}
	}
	return v, nil
}

// ReadHeader reads the next value but stops after the header of an array:
// the returned value carries the element count in Int and the caller reads
// the elements with ReadValue. All other kinds are read completely.
func (r *Reader) ReadHeader() (Value, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return Value{}, err
	}
	kind := Kind(b)
	switch kind {
	case KindStatus, KindError, KindInt, KindBulk, KindArray:
	default:
		return Value{}, protocolErrorf("unexpected type byte %q", b)
	}

	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	switch kind {
	case KindStatus, KindError:
		return Value{Kind: kind, Str: bytes.Clone(line)}, nil

	case KindInt:
		n, err := parseInt(line)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindInt, Int: n}, nil

	case KindBulk:
		n, err := parseInt(line)
		switch {
		case err != nil:
			return Value{}, err
		case n == -1:
			return NullBulk(), nil
		case n < -1 || n > MaxBulkLen:
			return Value{}, protocolErrorf("invalid bulk length %d", n)
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r.br, buf); err != nil {
			return Value{}, noEOF(err)
		}
		if buf[n] != '\r' || buf[n+1] != '\n' {
			return Value{}, protocolErrorf("bulk string not terminated by CRLF")
		}
		return Value{Kind: KindBulk, Str: buf[:n:n]}, nil

	default:
		n, err := parseInt(line)
		switch {
		case err != nil:
			return Value{}, err
		case n == -1:
			return NullArray(), nil
		case n < -1 || n > MaxArrayLen:
			return Value{}, protocolErrorf("invalid array length %d", n)
		}
		return Value{Kind: KindArray, Int: n}, nil
	}
}

// ReadCommand reads one request: an array of bulk strings or an inline
// command (space separated words terminated by a newline). An empty request
// returns no arguments and no error.
func (r *Reader) ReadCommand() ([][]byte, error) {
	peek, err := r.br.Peek(1)
	if err != nil {
		return nil, err
	}

	if Kind(peek[0]) != KindArray {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		fields := bytes.Fields(line)
		args := make([][]byte, len(fields))
		for i, f := range fields {
			args[i] = bytes.Clone(f)
		}
		return args, nil
	}

	h, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	if h.Null {
		return nil, nil
	}
	args := make([][]byte, h.Int)
	for i := range args {
		v, err := r.ReadHeader()
		if err != nil {
			return nil, noEOF(err)
		}
		if v.Kind != KindBulk || v.Null {
			return nil, protocolErrorf("expected bulk string in request, got %s", v.Kind)
		}
		args[i] = v.Str
	}
	return args, nil
}

// readLine returns the rest of the current line without CRLF. The returned
// slice is only valid until the next read.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		buf := bytes.Clone(line)
		for errors.Is(err, bufio.ErrBufferFull) {
			if len(buf) > MaxLineLen+2 {
				return nil, protocolErrorf("line longer than %d bytes", MaxLineLen)
			}
			line, err = r.br.ReadSlice('\n')
			buf = append(buf, line...)
		}
		line = buf
	}
	if err != nil {
		return nil, noEOF(err)
	}
	if len(line) > MaxLineLen+2 {
		return nil, protocolErrorf("line longer than %d bytes", MaxLineLen)
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, protocolErrorf("line not terminated by CRLF")
	}
	return line[:len(line)-2], nil
}

func parseInt(b []byte) (int64, error) {
	if len(b) == 0 || b[0] == '+' {
		return 0, protocolErrorf("invalid integer %q", b)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, protocolErrorf("invalid integer %q", b)
	}
	return n, nil
}

// noEOF turns io.EOF inside a value into io.ErrUnexpectedEOF
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
