package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ValentinKolb/skv/lib/hashtable"
	"github.com/ValentinKolb/skv/lib/stream"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying database.
	RetCInvalidOperation                    // 3: Invalid operation (syntax, arguments, value ranges).
	RetCWrongType                           // 4: Operation against a key holding the wrong kind of value.
	RetCInvalidID                           // 5: Malformed or non-increasing stream id.
	RetCInvalidCursor                       // 6: Scan cursor that does not belong to the hash.
	RetCNoSuchStream                        // 7: Stream key does not exist.
	RetCNoSuchGroup                         // 8: Consumer group does not exist.
	RetCGroupExists                         // 9: Consumer group already exists.
)

// Prefix returns the error prefix used for the code on the wire
func (c RetCode) Prefix() string {
	switch c {
	case RetCInternalError:
		return "INTERNAL"
	case RetCWrongType:
		return "WRONGTYPE"
	case RetCInvalidID:
		return "INVALIDID"
	case RetCInvalidCursor:
		return "INVALIDCURSOR"
	case RetCNoSuchStream:
		return "NOSTREAM"
	case RetCNoSuchGroup:
		return "NOGROUP"
	case RetCGroupExists:
		return "BUSYGROUP"
	default:
		return "ERR"
	}
}

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCWrongType:
		return "WrongType"
	case RetCInvalidID:
		return "InvalidId"
	case RetCInvalidCursor:
		return "InvalidCursor"
	case RetCNoSuchStream:
		return "NoSuchStream"
	case RetCNoSuchGroup:
		return "NoSuchGroup"
	case RetCGroupExists:
		return "GroupExists"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(c))
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type returned at the store boundary.
// It wraps a return code and an error message and travels over the wire as
// "-<PREFIX> <message>".
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.Prefix()
	}
	return e.Code.Prefix() + " " + e.Msg
}

// Is matches errors by code, so errors.Is(err, store.ErrNoSuchGroup) holds for
// every NOGROUP error, including the ones decoded from a reply.
// ERR errors share one code and additionally have to match the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if e.Code != t.Code {
		return false
	}
	return e.Code.Prefix() != "ERR" || e.Msg == t.Msg
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code RetCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Sentinel errors, compare with errors.Is
var (
	ErrWrongType     = NewError(RetCWrongType, "Operation against a key holding the wrong kind of value")
	ErrInvalidID     = NewError(RetCInvalidID, "Invalid stream ID specified as stream command argument")
	ErrInvalidCursor = NewError(RetCInvalidCursor, "invalid cursor")
	ErrNoSuchStream  = NewError(RetCNoSuchStream, "no such stream")
	ErrNoSuchGroup   = NewError(RetCNoSuchGroup, "No such consumer group for key")
	ErrGroupExists   = NewError(RetCGroupExists, "Consumer Group name already exists")
	ErrSyntax        = NewError(RetCInvalidOperation, "syntax error")
)

// FromError converts errors of the object packages into store errors.
// Store errors are returned unchanged, unknown errors become internal errors.
func FromError(err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, stream.ErrInvalidID):
		return NewError(RetCInvalidID, err.Error())
	case errors.Is(err, stream.ErrNoSuchGroup):
		return NewError(RetCNoSuchGroup, err.Error())
	case errors.Is(err, stream.ErrGroupExists):
		return NewError(RetCGroupExists, err.Error())
	case errors.Is(err, hashtable.ErrInvalidCursor):
		return NewError(RetCInvalidCursor, err.Error())
	default:
		return NewError(RetCInternalError, err.Error())
	}
}

// ParseError restores an Error from the text of an error reply.
// Unknown prefixes are kept as part of the message of an ERR error.
func ParseError(line string) *Error {
	prefix, msg, _ := strings.Cut(line, " ")
	for _, code := range []RetCode{
		RetCInternalError, RetCWrongType, RetCInvalidID, RetCInvalidCursor,
		RetCNoSuchStream, RetCNoSuchGroup, RetCGroupExists,
	} {
		if prefix == code.Prefix() {
			return NewError(code, msg)
		}
	}
	if prefix == "ERR" {
		return NewError(RetCInvalidOperation, msg)
	}
	return NewError(RetCInvalidOperation, line)
}
