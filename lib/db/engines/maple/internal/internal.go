package internal

import (
	"fmt"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/db/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Event Types are used to signal changes in the database state
// --------------------------------------------------------------------------

type EventType int

const (
	EventTWrite EventType = iota
	EventTDelete
)

func (e EventType) String() string {
	switch e {
	case EventTWrite:
		return "Write"
	case EventTDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

type Event struct {
	Type EventType
	Key  string
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Key: %q}", e.Type, e.Key)
}

// --------------------------------------------------------------------------
// Entry Type (object with metadata)
// --------------------------------------------------------------------------

// Entry stores an object with its metadata
type Entry struct {
	Object   db.Object
	ExpireAt uint64 // Expiry deadline (0 = never)
	Index    uint64 // Write index of the last change
}

// Expired reports whether the entry is logically gone at the given write index
func (e Entry) Expired(writeIdx uint64) bool {
	return e.ExpireAt != 0 && writeIdx >= e.ExpireAt
}

// --------------------------------------------------------------------------
// Shard Type (partition of the database)
// --------------------------------------------------------------------------

// Shard represents a partition of the keyspace.
// Data is only touched through xsync's per-bucket locking, ExpireHeap is owned by the shard's GC goroutine.
type Shard struct {
	Data       *xsync.MapOf[string, Entry]
	ExpireHeap *util.MapHeap[string]
	Events     *util.MPSCQueue[Event]
}

// NewShard creates an empty shard
func NewShard() *Shard {
	return &Shard{
		Data:       xsync.NewMapOf[string, Entry](),
		ExpireHeap: util.NewMapHeap[string](),
		Events:     util.NewMPSCQueue[Event](), // this queue is closed to stop the gc of the shard
	}
}

// GetShard returns the shard responsible for a hashed key
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func GetShard[T any](key util.UintKey, shards []*T) *T {
	return shards[util.ShardIndex(key, len(shards))]
}
