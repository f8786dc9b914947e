package hashtable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strconv"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/db/util"
	"github.com/tidwall/match"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// DefaultScanCount is used when Scan is called with count <= 0
	DefaultScanCount = 10

	minBuckets   = 4
	posBits      = 48
	posMask      = uint64(1)<<posBits - 1
	emptyVisitsX = 10 // empty buckets visited per requested entry
	tableVersion = 1
)

// ErrInvalidCursor is returned by Scan for cursors that were not produced by this table
var ErrInvalidCursor = errors.New("invalid cursor")

// errCorrupt is returned for snapshot data that can not be a marshaled table
var errCorrupt = errors.New("corrupt hash data")

// CheckCursor rejects cursors that no table can produce (a non-zero
// position without a tag), so callers can fail without asking the table.
func CheckCursor(c uint64) error {
	if c != 0 && c>>posBits == 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCursor, c)
	}
	return nil
}

// ParseCursor parses the text form of a cursor and checks it with CheckCursor
func ParseCursor(s string) (uint64, error) {
	c, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	if err := CheckCursor(c); err != nil {
		return 0, err
	}
	return c, nil
}

// --------------------------------------------------------------------------
// Table
// --------------------------------------------------------------------------

type node struct {
	field string
	value []byte
	next  *node
}

// Table is a field -> value map stored in a power-of-two array of chained buckets.
//
// Besides the usual map operations it supports stateless incremental iteration
// (Scan): the caller holds a cursor and every entry present for the whole
// duration of a scan is returned at least once, even if the table grows or
// shrinks between calls.
//
// A Table is not safe for concurrent use.
type Table struct {
	seed    uint64
	tag     uint16
	buckets []*node
	size    int
}

// New creates an empty table with a random seed
func New() *Table {
	return NewWithSeed(util.GenerateSeed())
}

// NewWithSeed creates an empty table whose bucket layout and cursors are fully
// determined by seed. Replicas creating the same hash with the same seed
// produce identical scan sequences.
func NewWithSeed(seed uint64) *Table {
	return &Table{
		seed:    seed,
		tag:     tagFromSeed(seed),
		buckets: make([]*node, minBuckets),
	}
}

func tagFromSeed(seed uint64) uint16 {
	tag := uint16(seed>>posBits) ^ uint16(seed)
	if tag == 0 {
		tag = 1
	}
	return tag
}

// Type implements db.Object
func (t *Table) Type() db.ValueType { return db.TypeHash }

// Len returns the number of fields
func (t *Table) Len() int { return t.size }

func (t *Table) bucketOf(field string) int {
	return int(uint64(util.HashString(field, t.seed)) & uint64(len(t.buckets)-1))
}

func (t *Table) find(field string) *node {
	for n := t.buckets[t.bucketOf(field)]; n != nil; n = n.next {
		if n.field == field {
			return n
		}
	}
	return nil
}

// Get returns the value of a field
func (t *Table) Get(field string) ([]byte, bool) {
	if n := t.find(field); n != nil {
		return n.value, true
	}
	return nil, false
}

// Has reports whether the field exists
func (t *Table) Has(field string) bool {
	return t.find(field) != nil
}

// Set stores the value and reports whether the field was created
func (t *Table) Set(field string, value []byte) bool {
	if n := t.find(field); n != nil {
		n.value = value
		return false
	}

	b := t.bucketOf(field)
	t.buckets[b] = &node{field: field, value: value, next: t.buckets[b]}
	t.size++

	if t.size > len(t.buckets) {
		t.resize(len(t.buckets) * 2)
	}
	return true
}

// Delete removes the field and reports whether it existed
func (t *Table) Delete(field string) bool {
	b := t.bucketOf(field)
	for prev, n := (*node)(nil), t.buckets[b]; n != nil; prev, n = n, n.next {
		if n.field != field {
			continue
		}
		if prev == nil {
			t.buckets[b] = n.next
		} else {
			prev.next = n.next
		}
		t.size--

		if len(t.buckets) > minBuckets && t.size < len(t.buckets)/8 {
			t.resize(int(util.NextPowerOfTwo(uint64(max(t.size, minBuckets)))))
		}
		return true
	}
	return false
}

// Range calls fn for every field in bucket order until fn returns false
func (t *Table) Range(fn func(field string, value []byte) bool) {
	for _, head := range t.buckets {
		for n := head; n != nil; n = n.next {
			if !fn(n.field, n.value) {
				return
			}
		}
	}
}

func (t *Table) resize(n int) {
	old := t.buckets
	t.buckets = make([]*node, n)
	for _, head := range old {
		for cur := head; cur != nil; {
			next := cur.next
			b := t.bucketOf(cur.field)
			cur.next = t.buckets[b]
			t.buckets[b] = cur
			cur = next
		}
	}
}

// --------------------------------------------------------------------------
// Scan
// --------------------------------------------------------------------------

// Scan returns the next batch of a stateless iteration over the table.
//
// cursor 0 starts a scan, a returned cursor of 0 ends it. Each call collects
// whole buckets until at least count entries were gathered (count <= 0 means
// DefaultScanCount) or count*10 empty buckets were visited, so a batch may be
// empty before the scan is complete. pattern is a glob (empty matches all)
// applied after collection.
//
// The cursor holds the reversed-bit bucket position in its low 48 bits and
// the table tag in its high 16 bits. Advancing the position in reversed-bit
// order visits the buckets of a smaller table before the buckets they split
// into, which is why resizes between calls never skip entries.
func (t *Table) Scan(cursor uint64, count int, pattern string) (uint64, []db.FieldValue, error) {
	if cursor != 0 && uint16(cursor>>posBits) != t.tag {
		return 0, nil, fmt.Errorf("%w: %d", ErrInvalidCursor, cursor)
	}
	if count <= 0 {
		count = DefaultScanCount
	}

	v := cursor & posMask
	mask := uint64(len(t.buckets) - 1)
	emptyVisits := count * emptyVisitsX
	batch := make([]db.FieldValue, 0, count)

	for {
		n := t.buckets[v&mask]
		if n == nil {
			emptyVisits--
		}
		for ; n != nil; n = n.next {
			batch = append(batch, db.FieldValue{Field: n.field, Value: n.value})
		}

		// increment the reversed position
		v |= ^mask
		v = bits.Reverse64(v)
		v++
		v = bits.Reverse64(v)

		if v == 0 || len(batch) >= count || emptyVisits <= 0 {
			break
		}
	}

	if pattern != "" && pattern != "*" {
		filtered := batch[:0]
		for _, fv := range batch {
			if match.Match(fv.Field, pattern) {
				filtered = append(filtered, fv)
			}
		}
		batch = filtered
	}

	if v == 0 {
		return 0, batch, nil
	}
	return uint64(t.tag)<<posBits | v, batch, nil
}

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

// MarshalBinary implements encoding.BinaryMarshaler
func (t *Table) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	if err := binary.Write(w, binary.LittleEndian, uint8(tableVersion)); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.LittleEndian, t.seed); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t.size)); err != nil {
		return nil, err
	}

	var err error
	t.Range(func(field string, value []byte) bool {
		if err = writeBytes(w, []byte(field)); err != nil {
			return false
		}
		err = writeBytes(w, value)
		return err == nil
	})
	if err != nil {
		return nil, err
	}

	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores a table written by MarshalBinary, including its seed and cursor tag
func (t *Table) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != tableVersion {
		return fmt.Errorf("unsupported hash version: %d (expected %d)", version, tableVersion)
	}

	var seed uint64
	if err := binary.Read(r, binary.LittleEndian, &seed); err != nil {
		return err
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	// every entry carries two length prefixes
	if uint64(count)*8 > uint64(r.Len()) {
		return fmt.Errorf("%w: %d entries in %d bytes", errCorrupt, count, r.Len())
	}

	*t = *NewWithSeed(seed)
	t.buckets = make([]*node, max(util.NextPowerOfTwo(uint64(count)), minBuckets))
	for i := uint32(0); i < count; i++ {
		field, err := readBytes(r)
		if err != nil {
			return err
		}
		value, err := readBytes(r)
		if err != nil {
			return err
		}
		t.Set(string(field), value)
	}
	return nil
}

// Unmarshal decodes a table written by MarshalBinary
func Unmarshal(data []byte) (*Table, error) {
	t := &Table{}
	if err := t.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return t, nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds %d remaining bytes", errCorrupt, n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
