package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	// coded errors match by code only
	assert.ErrorIs(t, NewError(RetCNoSuchGroup, "other text"), ErrNoSuchGroup)
	assert.ErrorIs(t, fmt.Errorf("xack: %w", ErrWrongType), ErrWrongType)
	assert.NotErrorIs(t, ErrNoSuchGroup, ErrNoSuchStream)

	// ERR errors also compare the message
	assert.ErrorIs(t, NewError(RetCInvalidOperation, "syntax error"), ErrSyntax)
	assert.NotErrorIs(t, NewError(RetCInvalidOperation, "value is not an integer or out of range"), ErrSyntax)
	assert.NotErrorIs(t, NewError(RetCInvalidOperation, "wrong number of arguments for 'hset' command"), ErrSyntax)
}

func TestParseErrorRestoresCode(t *testing.T) {
	tests := []struct {
		err  *Error
		code RetCode
	}{
		{ErrWrongType, RetCWrongType},
		{ErrNoSuchGroup, RetCNoSuchGroup},
		{ErrGroupExists, RetCGroupExists},
		{ErrInvalidCursor, RetCInvalidCursor},
		{ErrSyntax, RetCInvalidOperation},
		{NewError(RetCInternalError, "disk full"), RetCInternalError},
	}
	for _, tt := range tests {
		parsed := ParseError(tt.err.Error())
		assert.Equal(t, tt.code, parsed.Code, "reply %q", tt.err.Error())
		assert.Equal(t, tt.err.Msg, parsed.Msg)
		assert.ErrorIs(t, parsed, tt.err)
	}

	unknown := ParseError("MOVED 3999 127.0.0.1:6381")
	assert.Equal(t, RetCInvalidOperation, unknown.Code)
	assert.Equal(t, "MOVED 3999 127.0.0.1:6381", unknown.Msg)
}

func TestFromErrorKeepsInternalErrors(t *testing.T) {
	err := FromError(errors.New("disk full"))
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, RetCInternalError, se.Code)
	assert.Equal(t, "INTERNAL disk full", se.Error())
	assert.Nil(t, FromError(nil))
}
