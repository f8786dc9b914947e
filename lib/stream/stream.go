package stream

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/ValentinKolb/skv/lib/db"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// NodeCapacity is the number of entries stored per node.
	// Approximate trimming only ever removes whole nodes.
	NodeCapacity = 100

	// DefaultTrimLimit caps the entries one approximate trim removes when no LIMIT is given
	DefaultTrimLimit = 100 * NodeCapacity
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Entry is one record of a stream.
// Fields is nil for entries that were deleted while still pending.
type Entry struct {
	ID     ID
	Fields []db.FieldValue
}

type node struct {
	entries []Entry
}

func (n *node) last() ID { return n.entries[len(n.entries)-1].ID }

// Stream is an append-only log of entries ordered by id, plus its consumer groups.
//
// A Stream is not safe for concurrent use, the keyspace serializes access.
type Stream struct {
	nodes        []*node
	length       int
	lastID       ID
	maxDeletedID ID
	entriesAdded uint64
	groups       map[string]*Group
}

// New creates an empty stream
func New() *Stream {
	return &Stream{groups: make(map[string]*Group)}
}

// Type implements db.Object
func (s *Stream) Type() db.ValueType { return db.TypeStream }

// Len returns the number of entries
func (s *Stream) Len() int { return s.length }

// LastID returns the greatest id ever added (deleted entries included)
func (s *Stream) LastID() ID { return s.lastID }

// --------------------------------------------------------------------------
// Append
// --------------------------------------------------------------------------

// nextID computes the id of a new entry. It never returns an id <= lastID.
func (s *Stream) nextID(spec AddID, now uint64) (ID, error) {
	last := s.lastID

	switch spec.Kind {
	case AddIDAuto:
		if now > last.Ms {
			return ID{Ms: now}, nil
		}
		// clock is at or behind the last id
		id, ok := last.Next()
		if !ok {
			return ID{}, fmt.Errorf("%w: the stream has exhausted the last possible id", ErrInvalidID)
		}
		return id, nil

	case AddIDAutoSeq:
		switch {
		case spec.ID.Ms > last.Ms:
			return ID{Ms: spec.ID.Ms}, nil
		case spec.ID.Ms < last.Ms:
			return ID{}, fmt.Errorf("%w: the id specified in XADD is equal or smaller than the target stream top item", ErrInvalidID)
		case last.Seq == math.MaxUint64:
			return ID{}, fmt.Errorf("%w: the sequence of %d is exhausted", ErrInvalidID, last.Ms)
		}
		return ID{Ms: last.Ms, Seq: last.Seq + 1}, nil

	default:
		if spec.ID.IsZero() {
			return ID{}, fmt.Errorf("%w: the id specified in XADD must be greater than 0-0", ErrInvalidID)
		}
		if !last.Less(spec.ID) {
			return ID{}, fmt.Errorf("%w: the id specified in XADD is equal or smaller than the target stream top item", ErrInvalidID)
		}
		return spec.ID, nil
	}
}

// Add appends an entry and returns its id. now is the current time in unix ms.
// Duplicate field names keep the position of the first occurrence and the value of the last.
// On error the stream is unchanged.
func (s *Stream) Add(spec AddID, fields []db.FieldValue, now uint64) (ID, error) {
	id, err := s.nextID(spec, now)
	if err != nil {
		return ID{}, err
	}

	var tail *node
	if n := len(s.nodes); n > 0 && len(s.nodes[n-1].entries) < NodeCapacity {
		tail = s.nodes[n-1]
	} else {
		tail = &node{entries: make([]Entry, 0, NodeCapacity)}
		s.nodes = append(s.nodes, tail)
	}

	tail.entries = append(tail.entries, Entry{ID: id, Fields: dedupeFields(fields)})
	s.length++
	s.lastID = id
	s.entriesAdded++
	return id, nil
}

func dedupeFields(fields []db.FieldValue) []db.FieldValue {
	out := make([]db.FieldValue, 0, len(fields))
	pos := make(map[string]int, len(fields))
	for _, fv := range fields {
		if i, ok := pos[fv.Field]; ok {
			out[i].Value = bytes.Clone(fv.Value)
			continue
		}
		pos[fv.Field] = len(out)
		out = append(out, db.FieldValue{Field: fv.Field, Value: bytes.Clone(fv.Value)})
	}
	return out
}

// --------------------------------------------------------------------------
// Lookup & Range
// --------------------------------------------------------------------------

// locate returns the position of the first entry with an id >= id.
// ni == len(s.nodes) means there is none.
func (s *Stream) locate(id ID) (ni, ei int) {
	ni = sort.Search(len(s.nodes), func(i int) bool { return !s.nodes[i].last().Less(id) })
	if ni == len(s.nodes) {
		return ni, 0
	}
	entries := s.nodes[ni].entries
	ei = sort.Search(len(entries), func(i int) bool { return !entries[i].ID.Less(id) })
	return ni, ei
}

// Get returns the entry with the given id
func (s *Stream) Get(id ID) (Entry, bool) {
	ni, ei := s.locate(id)
	if ni == len(s.nodes) || s.nodes[ni].entries[ei].ID != id {
		return Entry{}, false
	}
	return s.nodes[ni].entries[ei], true
}

// Range returns the entries with lo <= id <= hi in ascending order.
// count <= 0 returns all of them.
func (s *Stream) Range(lo, hi ID, count int) []Entry {
	var out []Entry
	if hi.Less(lo) {
		return out
	}

	ni, ei := s.locate(lo)
	for ; ni < len(s.nodes); ni, ei = ni+1, 0 {
		for _, e := range s.nodes[ni].entries[ei:] {
			if hi.Less(e.ID) || (count > 0 && len(out) >= count) {
				return out
			}
			out = append(out, e)
		}
	}
	return out
}

// RevRange returns the entries with lo <= id <= hi in descending order.
// count <= 0 returns all of them.
func (s *Stream) RevRange(hi, lo ID, count int) []Entry {
	var out []Entry
	if hi.Less(lo) {
		return out
	}

	// position of the first entry > hi, then walk backwards
	ni, ei := len(s.nodes), 0
	if next, ok := hi.Next(); ok {
		ni, ei = s.locate(next)
	}
	if ni == len(s.nodes) {
		if ni == 0 {
			return out
		}
		ni, ei = ni-1, len(s.nodes[ni-1].entries)
	}

	for ; ni >= 0; ni-- {
		entries := s.nodes[ni].entries
		if ei < 0 {
			ei = len(entries)
		}
		for i := ei - 1; i >= 0; i-- {
			if entries[i].ID.Less(lo) || (count > 0 && len(out) >= count) {
				return out
			}
			out = append(out, entries[i])
		}
		ei = -1
	}
	return out
}

// After returns up to count entries with an id > id (XREAD semantics)
func (s *Stream) After(id ID, count int) []Entry {
	next, ok := id.Next()
	if !ok {
		return nil
	}
	return s.Range(next, MaxID, count)
}

// First returns the oldest entry
func (s *Stream) First() (Entry, bool) {
	if len(s.nodes) == 0 {
		return Entry{}, false
	}
	return s.nodes[0].entries[0], true
}

// Last returns the newest entry
func (s *Stream) Last() (Entry, bool) {
	if len(s.nodes) == 0 {
		return Entry{}, false
	}
	n := s.nodes[len(s.nodes)-1]
	return n.entries[len(n.entries)-1], true
}

// --------------------------------------------------------------------------
// Delete & Trim
// --------------------------------------------------------------------------

// Delete removes the given entries and returns how many existed
func (s *Stream) Delete(ids []ID) int {
	deleted := 0
	for _, id := range ids {
		ni, ei := s.locate(id)
		if ni == len(s.nodes) || s.nodes[ni].entries[ei].ID != id {
			continue
		}

		n := s.nodes[ni]
		n.entries = slices.Delete(n.entries, ei, ei+1)
		if len(n.entries) == 0 {
			s.nodes = slices.Delete(s.nodes, ni, ni+1)
		}

		s.length--
		deleted++
		if s.maxDeletedID.Less(id) {
			s.maxDeletedID = id
		}
	}
	return deleted
}

// TrimStrategy selects the retention policy of Trim
type TrimStrategy uint8

const (
	TrimNone TrimStrategy = iota
	TrimMaxLen
	TrimMinID
)

// TrimOptions describe a MAXLEN or MINID trim
type TrimOptions struct {
	Strategy TrimStrategy
	MaxLen   int
	MinID    ID
	// Approx only removes whole nodes and may leave more entries than requested
	Approx bool
	// Limit caps the number of removed entries of an approximate trim (0 = no cap)
	Limit int
}

// Trim removes the oldest entries that violate the retention policy and returns how many were removed
func (s *Stream) Trim(opts TrimOptions) int {
	removed := 0

	// expired reports how many leading entries of the first node violate the policy
	expired := func(n *node) int {
		switch opts.Strategy {
		case TrimMaxLen:
			return min(s.length-opts.MaxLen, len(n.entries))
		case TrimMinID:
			return sort.Search(len(n.entries), func(i int) bool { return !n.entries[i].ID.Less(opts.MinID) })
		}
		return 0
	}

	for len(s.nodes) > 0 {
		n := s.nodes[0]
		k := expired(n)
		if k <= 0 {
			break
		}

		if k == len(n.entries) {
			if opts.Approx && opts.Limit > 0 && removed+k > opts.Limit {
				break
			}
			clear(n.entries)
			s.nodes = s.nodes[1:]
		} else {
			if opts.Approx {
				// partial nodes are kept
				break
			}
			clear(n.entries[:k])
			n.entries = n.entries[k:]
		}
		s.length -= k
		removed += k
	}
	return removed
}

// --------------------------------------------------------------------------
// Info
// --------------------------------------------------------------------------

// Info is the XINFO STREAM view of a stream
type Info struct {
	Length          int
	Nodes           int
	Groups          int
	LastGeneratedID ID
	MaxDeletedID    ID
	EntriesAdded    uint64
	FirstEntry      *Entry
	LastEntry       *Entry
}

// Info returns a summary of the stream
func (s *Stream) Info() Info {
	info := Info{
		Length:          s.length,
		Nodes:           len(s.nodes),
		Groups:          len(s.groups),
		LastGeneratedID: s.lastID,
		MaxDeletedID:    s.maxDeletedID,
		EntriesAdded:    s.entriesAdded,
	}
	if e, ok := s.First(); ok {
		info.FirstEntry = &e
	}
	if e, ok := s.Last(); ok {
		info.LastEntry = &e
	}
	return info
}
