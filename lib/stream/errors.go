package stream

import "errors"

var (
	// ErrInvalidID is returned for malformed ids and for ids that are not greater than the last id
	ErrInvalidID = errors.New("invalid stream id")
	// ErrNoSuchGroup is returned by group operations on a group that does not exist
	ErrNoSuchGroup = errors.New("no such consumer group")
	// ErrGroupExists is returned when creating a group that already exists
	ErrGroupExists = errors.New("consumer group name already exists")
)
