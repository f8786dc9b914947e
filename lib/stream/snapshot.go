package stream

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-msgpack/codec"
)

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

const snapshotVersion = 1

var msgpackHandle = &codec.MsgpackHandle{}

type consumerState struct {
	Name       string
	SeenTime   uint64
	ActiveTime uint64
}

type groupState struct {
	Name          string
	LastDelivered ID
	Consumers     []consumerState
	Pending       []PendingEntry
}

type streamState struct {
	Version      uint8
	LastID       ID
	MaxDeletedID ID
	EntriesAdded uint64
	Entries      []Entry
	Groups       []groupState
}

// MarshalBinary implements encoding.BinaryMarshaler. The encoding is msgpack
// and covers entries, groups, consumers and pending entries.
func (s *Stream) MarshalBinary() ([]byte, error) {
	st := streamState{
		Version:      snapshotVersion,
		LastID:       s.lastID,
		MaxDeletedID: s.maxDeletedID,
		EntriesAdded: s.entriesAdded,
		Entries:      make([]Entry, 0, s.length),
	}
	for _, n := range s.nodes {
		st.Entries = append(st.Entries, n.entries...)
	}

	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		g := s.groups[name]
		gs := groupState{Name: g.name, LastDelivered: g.lastDelivered}
		for _, c := range g.consumers {
			gs.Consumers = append(gs.Consumers, consumerState{Name: c.name, SeenTime: c.seenTime, ActiveTime: c.activeTime})
		}
		sort.Slice(gs.Consumers, func(i, j int) bool { return gs.Consumers[i].Name < gs.Consumers[j].Name })
		g.pending.Ascend(func(p *PendingEntry) bool {
			gs.Pending = append(gs.Pending, *p)
			return true
		})
		st.Groups = append(st.Groups, gs)
	}

	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(&st); err != nil {
		return nil, fmt.Errorf("encode stream: %w", err)
	}
	return out, nil
}

// UnmarshalBinary restores a stream written by MarshalBinary
func (s *Stream) UnmarshalBinary(data []byte) error {
	var st streamState
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(&st); err != nil {
		return fmt.Errorf("decode stream: %w", err)
	}
	if st.Version != snapshotVersion {
		return fmt.Errorf("unsupported stream version: %d (expected %d)", st.Version, snapshotVersion)
	}

	*s = *New()
	for start := 0; start < len(st.Entries); start += NodeCapacity {
		end := min(start+NodeCapacity, len(st.Entries))
		entries := make([]Entry, end-start, NodeCapacity)
		copy(entries, st.Entries[start:end])
		s.nodes = append(s.nodes, &node{entries: entries})
	}
	s.length = len(st.Entries)
	s.lastID = st.LastID
	s.maxDeletedID = st.MaxDeletedID
	s.entriesAdded = st.EntriesAdded

	for _, gs := range st.Groups {
		g := newGroup(gs.Name, gs.LastDelivered)
		for _, cs := range gs.Consumers {
			g.consumers[cs.Name] = &Consumer{name: cs.Name, seenTime: cs.SeenTime, activeTime: cs.ActiveTime, pending: newPEL()}
		}
		for i := range gs.Pending {
			p := gs.Pending[i]
			g.pending.ReplaceOrInsert(&p)
			c, ok := g.consumers[p.Consumer]
			if !ok {
				c = &Consumer{name: p.Consumer, pending: newPEL()}
				g.consumers[p.Consumer] = c
			}
			c.pending.ReplaceOrInsert(&p)
		}
		s.groups[gs.Name] = g
	}
	return nil
}

// Unmarshal decodes a stream written by MarshalBinary
func Unmarshal(data []byte) (*Stream, error) {
	s := New()
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return s, nil
}
