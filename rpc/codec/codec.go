package codec

import (
	"errors"
	"fmt"
	"strconv"
)

// --------------------------------------------------------------------------
// Limits
// --------------------------------------------------------------------------

const (
	// MaxBulkLen is the largest accepted bulk string (512 MiB)
	MaxBulkLen = 512 << 20
	// MaxArrayLen is the largest accepted array
	MaxArrayLen = 1 << 20
	// MaxLineLen is the longest accepted header, status or error line (64 KiB)
	MaxLineLen = 64 << 10
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// ErrProtocol matches every ProtocolError with errors.Is
var ErrProtocol = errors.New("protocol error")

// ProtocolError is returned for input that is not valid RESP or exceeds a limit.
// The stream is unusable after it, the connection has to be closed.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// --------------------------------------------------------------------------
// Values
// --------------------------------------------------------------------------

// Kind is the type byte of a RESP value
type Kind byte

const (
	KindStatus Kind = '+'
	KindError  Kind = '-'
	KindInt    Kind = ':'
	KindBulk   Kind = '$'
	KindArray  Kind = '*'
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindInt:
		return "integer"
	case KindBulk:
		return "bulk"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%q)", byte(k))
	}
}

// Value is one decoded RESP value.
//
// Str holds the text of status, error and bulk values. Int holds the value of
// integers and, for array headers returned by Reader.ReadHeader, the element
// count. Null marks "$-1" and "*-1".
type Value struct {
	Kind  Kind
	Str   []byte
	Int   int64
	Elems []Value
	Null  bool
}

func Status(s string) Value     { return Value{Kind: KindStatus, Str: []byte(s)} }
func Err(s string) Value        { return Value{Kind: KindError, Str: []byte(s)} }
func Int(n int64) Value         { return Value{Kind: KindInt, Int: n} }
func Bulk(b []byte) Value       { return Value{Kind: KindBulk, Str: b} }
func BulkString(s string) Value { return Value{Kind: KindBulk, Str: []byte(s)} }
func NullBulk() Value           { return Value{Kind: KindBulk, Null: true} }
func NullArray() Value          { return Value{Kind: KindArray, Null: true} }
func Array(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{Kind: KindArray, Elems: elems, Int: int64(len(elems))}
}

// IsError reports whether v is an error reply
func (v Value) IsError() bool { return v.Kind == KindError }

// Text returns the payload of a status, error or bulk value and the decimal
// form of an integer.
func (v Value) Text() string {
	if v.Kind == KindInt {
		return strconv.FormatInt(v.Int, 10)
	}
	return string(v.Str)
}

// Integer returns the value of an integer reply or parses a bulk or status reply.
func (v Value) Integer() (int64, error) {
	switch v.Kind {
	case KindInt:
		return v.Int, nil
	case KindBulk, KindStatus:
		if v.Null {
			break
		}
		n, err := strconv.ParseInt(string(v.Str), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("reply %q is not an integer", v.Str)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unexpected %s reply, expected an integer", v.Kind)
}

func (v Value) String() string {
	switch {
	case v.Null:
		return "(nil)"
	case v.Kind == KindArray:
		return fmt.Sprintf("%v", v.Elems)
	case v.Kind == KindError:
		return "(error) " + string(v.Str)
	}
	return v.Text()
}
