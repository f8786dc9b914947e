package stream

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Entry IDs
// --------------------------------------------------------------------------

// ID identifies a stream entry: a millisecond timestamp and a sequence number
type ID struct {
	Ms  uint64
	Seq uint64
}

var (
	// MinID is the lowest possible id ("-")
	MinID = ID{}
	// MaxID is the highest possible id ("+")
	MaxID = ID{Ms: math.MaxUint64, Seq: math.MaxUint64}
)

func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or 1
func (id ID) Compare(o ID) int {
	switch {
	case id.Ms < o.Ms:
		return -1
	case id.Ms > o.Ms:
		return 1
	case id.Seq < o.Seq:
		return -1
	case id.Seq > o.Seq:
		return 1
	}
	return 0
}

// Less reports whether id sorts before o
func (id ID) Less(o ID) bool { return id.Compare(o) < 0 }

// IsZero reports whether id is 0-0
func (id ID) IsZero() bool { return id.Ms == 0 && id.Seq == 0 }

// Next returns the smallest id greater than id; false if id is MaxID
func (id ID) Next() (ID, bool) {
	switch {
	case id.Seq < math.MaxUint64:
		return ID{id.Ms, id.Seq + 1}, true
	case id.Ms < math.MaxUint64:
		return ID{id.Ms + 1, 0}, true
	}
	return id, false
}

// Prev returns the greatest id lower than id; false if id is MinID
func (id ID) Prev() (ID, bool) {
	switch {
	case id.Seq > 0:
		return ID{id.Ms, id.Seq - 1}, true
	case id.Ms > 0:
		return ID{id.Ms - 1, math.MaxUint64}, true
	}
	return id, false
}

// parseID parses "<ms>-<seq>" or "<ms>". A missing sequence is replaced by missingSeq.
func parseID(s string, missingSeq uint64) (ID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	if !hasSeq {
		return ID{Ms: ms, Seq: missingSeq}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID{Ms: ms, Seq: seq}, nil
}

// ParseID parses an explicit id, "<ms>" means "<ms>-0"
func ParseID(s string) (ID, error) {
	return parseID(s, 0)
}

// MustParseID is ParseID for constant ids, it panics on malformed input
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// --------------------------------------------------------------------------
// XADD ids
// --------------------------------------------------------------------------

// AddIDKind tells how the id of a new entry is chosen
type AddIDKind uint8

const (
	// AddIDAuto generates timestamp and sequence ("*")
	AddIDAuto AddIDKind = iota
	// AddIDAutoSeq fixes the timestamp and generates the sequence ("<ms>-*")
	AddIDAutoSeq
	// AddIDExplicit uses the given id as is
	AddIDExplicit
)

// AddID is the id argument of Add
type AddID struct {
	Kind AddIDKind
	ID   ID
}

// AutoID is the "*" id
var AutoID = AddID{Kind: AddIDAuto}

// ParseAddID parses "*", "<ms>-*", "<ms>-<seq>" or "<ms>"
func ParseAddID(s string) (AddID, error) {
	if s == "*" {
		return AutoID, nil
	}
	if ms, ok := strings.CutSuffix(s, "-*"); ok {
		v, err := strconv.ParseUint(ms, 10, 64)
		if err != nil {
			return AddID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
		return AddID{Kind: AddIDAutoSeq, ID: ID{Ms: v}}, nil
	}
	id, err := ParseID(s)
	if err != nil {
		return AddID{}, err
	}
	return AddID{Kind: AddIDExplicit, ID: id}, nil
}

func (a AddID) String() string {
	switch a.Kind {
	case AddIDAuto:
		return "*"
	case AddIDAutoSeq:
		return strconv.FormatUint(a.ID.Ms, 10) + "-*"
	}
	return a.ID.String()
}

// --------------------------------------------------------------------------
// Range bounds
// --------------------------------------------------------------------------

// ParseInterval turns the start and end arguments of XRANGE (and XPENDING)
// into an inclusive interval. Bounds are "-", "+", "<ms>", "<ms>-<seq>" and
// may be made exclusive with a leading "(". A bare "<ms>" start means
// "<ms>-0", a bare "<ms>" end means "<ms>-<max>". empty is true if the
// interval can not contain any id.
func ParseInterval(start, end string) (lo, hi ID, empty bool, err error) {
	lo, loEmpty, err := parseBound(start, true)
	if err != nil {
		return lo, hi, false, err
	}
	hi, hiEmpty, err := parseBound(end, false)
	if err != nil {
		return lo, hi, false, err
	}
	return lo, hi, loEmpty || hiEmpty || hi.Less(lo), nil
}

func parseBound(s string, isStart bool) (ID, bool, error) {
	switch s {
	case "-":
		return MinID, false, nil
	case "+":
		return MaxID, false, nil
	}

	exclusive := false
	if rest, ok := strings.CutPrefix(s, "("); ok {
		exclusive, s = true, rest
		if s == "-" || s == "+" {
			return ID{}, false, fmt.Errorf("%w: exclusive bound on %q", ErrInvalidID, s)
		}
	}

	missingSeq := uint64(0)
	if !isStart {
		missingSeq = math.MaxUint64
	}
	id, err := parseID(s, missingSeq)
	if err != nil {
		return ID{}, false, err
	}
	if !exclusive {
		return id, false, nil
	}

	var ok bool
	if isStart {
		id, ok = id.Next()
	} else {
		id, ok = id.Prev()
	}
	return id, !ok, nil
}
