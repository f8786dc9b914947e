package internal

import (
	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/stream"
)

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTHGet           QueryType = iota // Value of a hash field.
	QueryTHMGet                           // Values of several hash fields.
	QueryTHExists                         // Whether a hash field exists.
	QueryTHLen                            // Number of fields of a hash.
	QueryTHStrLen                         // Length of a hash value.
	QueryTHGetAll                         // All pairs of a hash.
	QueryTHKeys                           // All fields of a hash.
	QueryTHVals                           // All values of a hash.
	QueryTHScan                           // One step of a cursor scan.
	QueryTXLen                            // Number of entries of a stream.
	QueryTXRange                          // Entries in ascending order.
	QueryTXRevRange                       // Entries in descending order.
	QueryTXResolve                        // Resolve "$" ids of XREAD.
	QueryTXRead                           // Entries after ids, outside of groups.
	QueryTXPending                        // Pending summary of a group.
	QueryTXPendingRange                   // Pending entries of a group.
	QueryTXInfoStream                     // Stream summary.
	QueryTXInfoGroups                     // Groups of a stream.
	QueryTXInfoConsumers                  // Consumers of a group.
	QueryTExists                          // Number of existing keys.
	QueryTType                            // Type of a key.
	QueryTTTL                             // Remaining time to live of a key.
	QueryTDBSize                          // Number of keys.
	QueryTGetDBInfo                       // Retrieve metadata about the database underlying the machine.
)

func (q QueryType) String() string {
	names := [...]string{
		"HGet", "HMGet", "HExists", "HLen", "HStrLen", "HGetAll", "HKeys", "HVals", "HScan",
		"XLen", "XRange", "XRevRange", "XResolve", "XRead", "XPending", "XPendingRange",
		"XInfoStream", "XInfoGroups", "XInfoConsumers",
		"Exists", "Type", "TTL", "DBSize", "GetDBInfo",
	}
	if int(q) < len(names) {
		return names[q]
	}
	return "Unknown"
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead.
// Queries are passed to the local state machine as values and never serialized.
type Query struct {
	Type QueryType
	// Now is the time of the reader, used for TTLs and idle times
	Now uint64

	Key     string
	Keys    []string
	Fields  []string
	IDs     []string
	After   []stream.ID
	Lo, Hi  stream.ID
	Count   int
	Cursor  uint64
	Match   string
	Group   string
	Pending stream.PendingQuery
}

// ScanResult is the result of QueryTHScan
type ScanResult struct {
	Cursor uint64
	Pairs  []db.FieldValue
}

// HGetResult is the result of QueryTHGet
type HGetResult struct {
	Value []byte
	Ok    bool
}
