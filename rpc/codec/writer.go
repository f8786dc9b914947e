package codec

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

const writeBufferSize = 32 << 10

var lineBreaks = strings.NewReplacer("\r", " ", "\n", " ")

// Writer encodes RESP values into a buffered stream. Nothing reaches the
// underlying writer before Flush (or before the buffer is full).
// It is not safe for concurrent use.
type Writer struct {
	bw  *bufio.Writer
	buf []byte
}

// NewWriter wraps w in a buffered RESP writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, writeBufferSize), buf: make([]byte, 0, 32)}
}

// Flush writes buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Buffered returns the number of bytes waiting for Flush
func (w *Writer) Buffered() int {
	return w.bw.Buffered()
}

func (w *Writer) header(kind Kind, n int64) error {
	w.buf = append(w.buf[:0], byte(kind))
	w.buf = strconv.AppendInt(w.buf, n, 10)
	w.buf = append(w.buf, '\r', '\n')
	_, err := w.bw.Write(w.buf)
	return err
}

func (w *Writer) line(kind Kind, s string) error {
	if strings.ContainsAny(s, "\r\n") {
		s = lineBreaks.Replace(s)
	}
	if err := w.bw.WriteByte(byte(kind)); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	_, err := w.bw.WriteString("\r\n")
	return err
}

// WriteStatus writes "+s". Line breaks in s are replaced by spaces.
func (w *Writer) WriteStatus(s string) error { return w.line(KindStatus, s) }

// WriteError writes "-s". Line breaks in s are replaced by spaces.
func (w *Writer) WriteError(s string) error { return w.line(KindError, s) }

func (w *Writer) WriteInt(n int64) error { return w.header(KindInt, n) }

func (w *Writer) WriteBulk(b []byte) error {
	if err := w.header(KindBulk, int64(len(b))); err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	_, err := w.bw.WriteString("\r\n")
	return err
}

func (w *Writer) WriteBulkString(s string) error {
	if err := w.header(KindBulk, int64(len(s))); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	_, err := w.bw.WriteString("\r\n")
	return err
}

// WriteNull writes a null bulk string ("$-1")
func (w *Writer) WriteNull() error { return w.header(KindBulk, -1) }

// WriteNullArray writes "*-1"
func (w *Writer) WriteNullArray() error { return w.header(KindArray, -1) }

// WriteArrayHeader starts an array of n elements, the caller writes the elements
func (w *Writer) WriteArrayHeader(n int) error { return w.header(KindArray, int64(n)) }

// WriteCommand writes a request as an array of bulk strings
func (w *Writer) WriteCommand(args ...string) error {
	if err := w.WriteArrayHeader(len(args)); err != nil {
		return err
	}
	for _, a := range args {
		if err := w.WriteBulkString(a); err != nil {
			return err
		}
	}
	return nil
}

// WriteValue writes v and all its elements
func (w *Writer) WriteValue(v Value) error {
	switch v.Kind {
	case KindStatus:
		return w.WriteStatus(string(v.Str))
	case KindError:
		return w.WriteError(string(v.Str))
	case KindInt:
		return w.WriteInt(v.Int)
	case KindBulk:
		if v.Null {
			return w.WriteNull()
		}
		return w.WriteBulk(v.Str)
	case KindArray:
		if v.Null {
			return w.WriteNullArray()
		}
		if err := w.WriteArrayHeader(len(v.Elems)); err != nil {
			return err
		}
		for _, e := range v.Elems {
			if err := w.WriteValue(e); err != nil {
				return err
			}
		}
		return nil
	}
	return protocolErrorf("can not encode %s", v.Kind)
}

// AppendCommand appends the encoding of a request to dst
func AppendCommand(dst []byte, args ...string) []byte {
	dst = append(dst, byte(KindArray))
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, '\r', '\n')
	for _, a := range args {
		dst = append(dst, byte(KindBulk))
		dst = strconv.AppendInt(dst, int64(len(a)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, a...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}
