package db

import (
	"encoding"
	"errors"
	"io"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple Implementation = "maple"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureHash           Feature = 1 << iota // Support for hash objects
	FeatureStream                             // Support for stream objects
	FeatureExpire                             // Support for key expiry
	FeatureDelete                             // Support for Delete operations
	FeatureSave                               // Support for Save operations
	FeatureLoad                               // Support for Load operations
	FeatureGarbageCollect                     // Support for GarbageCollect operations
)

func (f Feature) String() string {
	switch f {
	case FeatureHash:
		return "Hash"
	case FeatureStream:
		return "Stream"
	case FeatureExpire:
		return "Expire"
	case FeatureDelete:
		return "Delete"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	case FeatureGarbageCollect:
		return "GarbageCollect"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	Keys              int            `json:"keys"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Objects
// --------------------------------------------------------------------------

// ValueType is the type of the object stored under a key
type ValueType uint8

const (
	TypeNone ValueType = iota
	TypeHash
	TypeStream
)

func (t ValueType) String() string {
	switch t {
	case TypeHash:
		return "hash"
	case TypeStream:
		return "stream"
	default:
		return "none"
	}
}

// Object is a value stored in the keyspace.
// Objects are mutable and must only be touched inside the callbacks of Update and View.
type Object interface {
	Type() ValueType
	Len() int
	encoding.BinaryMarshaler
}

// FieldValue is one field/value pair of a hash or of a stream entry
type FieldValue struct {
	Field string
	Value []byte
}

// ErrUnknownType is returned by Load for object types the engine cannot decode
var ErrUnknownType = errors.New("unknown object type")

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines the keyspace a store runs its commands against: string keys
// mapping to typed objects, each with an optional expiry.
//
// Every method that changes state takes a writeIndex, a logical timestamp in
// milliseconds. Expiry deadlines are absolute values on the same clock.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Update atomically reads and replaces the object stored under key.
	// fn receives the live object (nil if the key does not exist or is expired) and
	// returns the object to store; returning nil removes the key. If fn fails, nothing
	// is written and the error is returned. The expiry of a key that is kept is preserved.
	Update(key string, writeIndex uint64, fn func(obj Object) (Object, error)) error

	// Delete removes the key. Returns false if it did not exist.
	Delete(key string, writeIndex uint64) bool

	// Expire sets the absolute expiry deadline of a key (0 removes the deadline).
	// A deadline <= writeIndex removes the key at once. Returns false if the key does not exist.
	Expire(key string, expireAt uint64, writeIndex uint64) bool

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// View calls fn with the live object under key (nil if absent) while no writer can change it.
	View(key string, fn func(obj Object) error) error

	// Type returns the type of the object under key (TypeNone if absent)
	Type(key string) ValueType

	// Has checks whether a live key exists
	Has(key string) bool

	// ExpireAt returns the expiry deadline of a key (0 = none) and whether the key exists
	ExpireAt(key string) (expireAt uint64, ok bool)

	// Size returns the number of keys, including expired keys not yet collected
	Size() int

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current state of the database to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load replaces the database state with the data provided by an io.Reader.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// --------------------------------------------------------------------------
	// Write Index Operations
	// --------------------------------------------------------------------------

	// SetWriteIdx sets the current index of the database only if the provided index is greater than the current index.
	SetWriteIdx(index uint64)

	// WriteIdx returns the current index of the database.
	WriteIdx() (index uint64)

	// Close closes the database.
	Close() (err error)
}
