package store

import (
	"context"
	"io"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/stream"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory is a function type that creates a new db used by the store.
// This is used to abstract the creation of the db from the store implementation.
type DBFactory func() db.KVDB

// IStore is the interface the command server runs hash, stream and keyspace
// commands against. Every method returns nil or a *Error.
//
// Values returned by the store are copies and safe to keep.
type IStore interface {

	// --------------------------------------------------------------------------
	// Keyspace
	// --------------------------------------------------------------------------

	// Delete removes the keys and returns how many existed.
	Delete(keys ...string) (n int, err error)
	// Exists counts the given keys that exist (a key named twice counts twice).
	Exists(keys ...string) (n int, err error)
	// Type returns the type of the value stored under key.
	Type(key string) (t db.ValueType, err error)
	// Expire sets a time to live on key. A ttl <= 0 removes the key. Returns false if the key does not exist.
	Expire(key string, ttl time.Duration) (ok bool, err error)
	// TTL returns the remaining time to live of key in milliseconds,
	// TTLMissing if the key does not exist and TTLPersistent if it has no expiry.
	TTL(key string) (ttl int64, err error)
	// DBSize returns the number of keys.
	DBSize() (n int, err error)
	// GetDBInfo returns metadata about the database underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetDBInfo() (info db.DatabaseInfo, err error)

	// --------------------------------------------------------------------------
	// Hash
	// --------------------------------------------------------------------------

	// HSet sets the fields and returns the number of fields that were created.
	HSet(key string, pairs []db.FieldValue) (created int, err error)
	// HSetNX sets the field only if it does not exist.
	HSetNX(key, field string, value []byte) (set bool, err error)
	HGet(key, field string) (value []byte, ok bool, err error)
	// HMGet returns one optional value per field, in field order.
	HMGet(key string, fields []string) (values []OptionalValue, err error)
	// HDel removes the fields and returns how many existed. A hash without fields is removed.
	HDel(key string, fields []string) (removed int, err error)
	HExists(key, field string) (ok bool, err error)
	HLen(key string) (n int, err error)
	HStrLen(key, field string) (n int, err error)
	HIncrBy(key, field string, delta int64) (value int64, err error)
	HIncrByFloat(key, field string, delta float64) (value float64, err error)
	HGetAll(key string) (pairs []db.FieldValue, err error)
	HKeys(key string) (fields []string, err error)
	HVals(key string) (values [][]byte, err error)
	// HScan returns the next batch of a cursor scan. A returned cursor of 0 ends the scan.
	HScan(key string, cursor uint64, match string, count int) (next uint64, pairs []db.FieldValue, err error)

	// --------------------------------------------------------------------------
	// Stream
	// --------------------------------------------------------------------------

	// XAdd appends an entry. ok is false if the key does not exist and NoMkStream is set.
	XAdd(key string, args XAddArgs) (id stream.ID, ok bool, err error)
	XLen(key string) (n int, err error)
	// XRange returns the entries with lo <= id <= hi in ascending order.
	XRange(key string, lo, hi stream.ID, count int) (entries []stream.Entry, err error)
	// XRevRange returns the entries with lo <= id <= hi in descending order.
	XRevRange(key string, hi, lo stream.ID, count int) (entries []stream.Entry, err error)
	XDel(key string, ids []stream.ID) (removed int, err error)
	XTrim(key string, opts stream.TrimOptions) (removed int, err error)
	// XRead returns entries newer than the given ids, blocking as requested.
	// A timeout or a cancelled context returns an empty result without error.
	XRead(ctx context.Context, args XReadArgs) (result []StreamEntries, err error)
	// XReadGroup reads on behalf of a consumer of a group, blocking as requested.
	XReadGroup(ctx context.Context, args XReadGroupArgs) (result []StreamEntries, err error)
	XAck(key, group string, ids []stream.ID) (acked int, err error)
	XClaim(key, group, consumer string, minIdle time.Duration, ids []stream.ID, opts stream.ClaimOptions) (entries []stream.Entry, err error)
	XPending(key, group string) (summary stream.PendingSummary, err error)
	XPendingRange(key, group string, q stream.PendingQuery) (pending []stream.PendingInfo, err error)
	// XGroupCreate creates a group starting after id ("$" for the last entry).
	XGroupCreate(key, group, id string, mkStream bool) (err error)
	XGroupDestroy(key, group string) (destroyed bool, err error)
	XGroupSetID(key, group, id string) (err error)
	XGroupCreateConsumer(key, group, consumer string) (created bool, err error)
	// XGroupDelConsumer removes a consumer and returns the number of pending entries it owned.
	XGroupDelConsumer(key, group, consumer string) (pending int, err error)
	XInfoStream(key string) (info stream.Info, err error)
	XInfoGroups(key string) (groups []stream.GroupInfo, err error)
	XInfoConsumers(key, group string) (consumers []stream.ConsumerInfo, err error)

	// BlockedClients returns the number of reads currently blocked on this store.
	BlockedClients() int
}

// Persister is implemented by stores that can write their state to a file and restore it.
type Persister interface {
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// --------------------------------------------------------------------------
// Argument and Result Types
// --------------------------------------------------------------------------

const (
	TTLMissing    int64 = -2
	TTLPersistent int64 = -1
)

// OptionalValue is a value that may be absent
type OptionalValue struct {
	Value []byte
	Ok    bool
}

// XAddArgs are the arguments of an append
type XAddArgs struct {
	ID         stream.AddID
	Fields     []db.FieldValue
	NoMkStream bool
	Trim       stream.TrimOptions // Strategy TrimNone disables the inline trim
}

// XReadArgs are the arguments of a read outside of groups.
// IDs holds one id per key, "$" means the last id at the time of the call.
type XReadArgs struct {
	Keys  []string
	IDs   []string
	Count int
	Block time.Duration // NoBlock, 0 (forever) or the timeout
}

// XReadGroupArgs are the arguments of a group read.
// IDs holds one offset per key, ">" reads new entries, anything else the consumer's history.
type XReadGroupArgs struct {
	Group    string
	Consumer string
	Keys     []string
	IDs      []string
	Count    int
	Block    time.Duration // NoBlock, 0 (forever) or the timeout. Only ">" reads block.
	NoAck    bool
}

// StreamEntries are the entries read from one stream
type StreamEntries struct {
	Key     string
	Entries []stream.Entry
}
