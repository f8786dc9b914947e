package stream

import (
	"fmt"
	"sort"

	"github.com/google/btree"
)

const pelDegree = 16

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// PendingEntry is the delivery record of an entry that was read by a consumer and not yet acknowledged
type PendingEntry struct {
	ID            ID
	Consumer      string
	DeliveryCount uint64
	// DeliveryTime is the unix ms of the last delivery
	DeliveryTime uint64
}

type pel = btree.BTreeG[*PendingEntry]

func newPEL() *pel {
	return btree.NewG[*PendingEntry](pelDegree, func(a, b *PendingEntry) bool { return a.ID.Less(b.ID) })
}

// Consumer is a named reader inside a group
type Consumer struct {
	name string
	// seenTime is the last time the consumer attempted an interaction, activeTime the last successful one (0 = never)
	seenTime   uint64
	activeTime uint64
	pending    *pel
}

// Group is a consumer group: a delivery cursor over the stream and the entries delivered but not acknowledged
type Group struct {
	name          string
	lastDelivered ID
	pending       *pel
	consumers     map[string]*Consumer
}

func newGroup(name string, lastDelivered ID) *Group {
	return &Group{
		name:          name,
		lastDelivered: lastDelivered,
		pending:       newPEL(),
		consumers:     make(map[string]*Consumer),
	}
}

// consumer returns the named consumer, creating it if needed
func (g *Group) consumer(name string, now uint64) *Consumer {
	c, ok := g.consumers[name]
	if !ok {
		c = &Consumer{name: name, pending: newPEL()}
		g.consumers[name] = c
	}
	c.seenTime = now
	return c
}

// assign moves a pending entry to consumer c
func (g *Group) assign(p *PendingEntry, c *Consumer) {
	if p.Consumer != c.name {
		if old, ok := g.consumers[p.Consumer]; ok {
			old.pending.Delete(p)
		}
		p.Consumer = c.name
	}
	c.pending.ReplaceOrInsert(p)
}

func (g *Group) ack(id ID) bool {
	p, ok := g.pending.Delete(&PendingEntry{ID: id})
	if !ok {
		return false
	}
	if c, ok := g.consumers[p.Consumer]; ok {
		c.pending.Delete(p)
	}
	return true
}

func (s *Stream) group(name string) (*Group, error) {
	g, ok := s.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchGroup, name)
	}
	return g, nil
}

// --------------------------------------------------------------------------
// Group management
// --------------------------------------------------------------------------

// ResolveGroupID parses the id argument of XGROUP CREATE/SETID, "$" is the last id of the stream
func (s *Stream) ResolveGroupID(spec string) (ID, error) {
	if spec == "$" {
		return s.lastID, nil
	}
	return ParseID(spec)
}

// HasGroup reports whether the group exists
func (s *Stream) HasGroup(name string) bool {
	_, ok := s.groups[name]
	return ok
}

// CreateGroup creates a group that delivers entries after lastDelivered
func (s *Stream) CreateGroup(name string, lastDelivered ID) error {
	if _, ok := s.groups[name]; ok {
		return fmt.Errorf("%w: %q", ErrGroupExists, name)
	}
	s.groups[name] = newGroup(name, lastDelivered)
	return nil
}

// DestroyGroup removes a group with its pending entries, it reports whether the group existed
func (s *Stream) DestroyGroup(name string) bool {
	if _, ok := s.groups[name]; !ok {
		return false
	}
	delete(s.groups, name)
	return true
}

// SetGroupID moves the delivery cursor of a group
func (s *Stream) SetGroupID(name string, lastDelivered ID) error {
	g, err := s.group(name)
	if err != nil {
		return err
	}
	g.lastDelivered = lastDelivered
	return nil
}

// CreateConsumer adds a consumer to a group, it reports whether the consumer was created
func (s *Stream) CreateConsumer(group, consumer string, now uint64) (bool, error) {
	g, err := s.group(group)
	if err != nil {
		return false, err
	}
	if _, ok := g.consumers[consumer]; ok {
		return false, nil
	}
	g.consumer(consumer, now)
	return true, nil
}

// DeleteConsumer removes a consumer and its pending entries, it returns how many entries were pending
func (s *Stream) DeleteConsumer(group, consumer string) (int, error) {
	g, err := s.group(group)
	if err != nil {
		return 0, err
	}
	c, ok := g.consumers[consumer]
	if !ok {
		return 0, nil
	}

	n := c.pending.Len()
	c.pending.Ascend(func(p *PendingEntry) bool {
		g.pending.Delete(p)
		return true
	})
	delete(g.consumers, consumer)
	return n, nil
}

// --------------------------------------------------------------------------
// Delivery
// --------------------------------------------------------------------------

// ReadOffset is the per-stream id argument of XREADGROUP
type ReadOffset struct {
	// New selects entries never delivered to the group (">")
	New bool
	// ID selects the consumer's own pending entries after ID
	ID ID
}

// NewEntries is the ">" offset
var NewEntries = ReadOffset{New: true}

// ParseReadOffset parses ">" or an id
func ParseReadOffset(s string) (ReadOffset, error) {
	if s == ">" {
		return NewEntries, nil
	}
	id, err := ParseID(s)
	if err != nil {
		return ReadOffset{}, err
	}
	return ReadOffset{ID: id}, nil
}

// ReadGroup reads entries on behalf of a consumer (created on first use).
//
// With the New offset it returns up to count entries after the group's last
// delivered id, advances that id and records every returned entry as pending
// for the consumer (unless noAck). Any other offset replays the consumer's own
// pending entries after the id, refreshing their delivery count and time;
// pending entries whose stream entry was deleted are returned with nil fields.
// count <= 0 means no limit.
func (s *Stream) ReadGroup(group, consumer string, offset ReadOffset, count int, noAck bool, now uint64) ([]Entry, error) {
	g, err := s.group(group)
	if err != nil {
		return nil, err
	}
	c := g.consumer(consumer, now)

	if !offset.New {
		var history []*PendingEntry
		start, ok := offset.ID.Next()
		if !ok {
			return nil, nil
		}
		c.pending.AscendGreaterOrEqual(&PendingEntry{ID: start}, func(p *PendingEntry) bool {
			if count > 0 && len(history) >= count {
				return false
			}
			history = append(history, p)
			return true
		})

		out := make([]Entry, 0, len(history))
		for _, p := range history {
			p.DeliveryCount++
			p.DeliveryTime = now
			e, ok := s.Get(p.ID)
			if !ok {
				e = Entry{ID: p.ID}
			}
			out = append(out, e)
		}
		return out, nil
	}

	entries := s.After(g.lastDelivered, count)
	for _, e := range entries {
		g.lastDelivered = e.ID
		if noAck {
			continue
		}

		p, ok := g.pending.Get(&PendingEntry{ID: e.ID})
		if !ok {
			p = &PendingEntry{ID: e.ID, Consumer: c.name}
			g.pending.ReplaceOrInsert(p)
		}
		g.assign(p, c)
		p.DeliveryCount = 1
		p.DeliveryTime = now
	}
	if len(entries) > 0 {
		c.activeTime = now
	}
	return entries, nil
}

// Ack removes the given ids from the group's pending entries and returns how many were pending
func (s *Stream) Ack(group string, ids []ID) (int, error) {
	g, err := s.group(group)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, id := range ids {
		if g.ack(id) {
			acked++
		}
	}
	return acked, nil
}

// ClaimOptions are the optional arguments of XCLAIM
type ClaimOptions struct {
	// Idle sets the delivery time to now-Idle (used if HasIdle)
	Idle    uint64
	HasIdle bool
	// Time sets the delivery time to an absolute unix ms (used if HasTime)
	Time    uint64
	HasTime bool
	// RetryCount sets the delivery count (used if HasRetryCount)
	RetryCount    uint64
	HasRetryCount bool
	// Force creates pending entries for ids that exist in the stream but are not pending
	Force bool
	// JustID returns ids only and leaves the delivery count untouched
	JustID bool
}

// Claim transfers pending entries idle for at least minIdle ms to consumer.
// Ids that are not pending are skipped, pending entries whose stream entry was
// deleted are dropped from the group. Claimed entries are returned in the order
// of ids (with nil fields if opts.JustID).
func (s *Stream) Claim(group, consumer string, minIdle uint64, ids []ID, opts ClaimOptions, now uint64) ([]Entry, error) {
	g, err := s.group(group)
	if err != nil {
		return nil, err
	}
	c := g.consumer(consumer, now)

	deliveryTime := now
	switch {
	case opts.HasIdle:
		deliveryTime = now - min(opts.Idle, now)
	case opts.HasTime:
		deliveryTime = opts.Time
	}

	var out []Entry
	for _, id := range ids {
		p, pending := g.pending.Get(&PendingEntry{ID: id})
		e, exists := s.Get(id)

		if !pending {
			if !opts.Force || !exists {
				continue
			}
			p = &PendingEntry{ID: id, Consumer: c.name}
			g.pending.ReplaceOrInsert(p)
		}

		if !exists {
			g.ack(id)
			continue
		}

		if minIdle > 0 && pending {
			idle := now - min(p.DeliveryTime, now)
			if idle < minIdle {
				continue
			}
		}

		g.assign(p, c)
		p.DeliveryTime = deliveryTime
		switch {
		case opts.HasRetryCount:
			p.DeliveryCount = opts.RetryCount
		case !opts.JustID:
			p.DeliveryCount++
		}

		if opts.JustID {
			out = append(out, Entry{ID: id})
		} else {
			out = append(out, e)
		}
	}
	if len(out) > 0 {
		c.activeTime = now
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Pending inspection
// --------------------------------------------------------------------------

// ConsumerPending is the number of pending entries of one consumer
type ConsumerPending struct {
	Name  string
	Count int
}

// PendingSummary is the short form of XPENDING
type PendingSummary struct {
	Count     int
	Lowest    ID
	Highest   ID
	Consumers []ConsumerPending
}

// Pending summarizes the pending entries of a group. Consumers are ordered by name.
func (s *Stream) Pending(group string) (PendingSummary, error) {
	g, err := s.group(group)
	if err != nil {
		return PendingSummary{}, err
	}

	sum := PendingSummary{Count: g.pending.Len()}
	if sum.Count == 0 {
		return sum, nil
	}
	lo, _ := g.pending.Min()
	hi, _ := g.pending.Max()
	sum.Lowest, sum.Highest = lo.ID, hi.ID

	for _, c := range g.consumers {
		if n := c.pending.Len(); n > 0 {
			sum.Consumers = append(sum.Consumers, ConsumerPending{Name: c.name, Count: n})
		}
	}
	sort.Slice(sum.Consumers, func(i, j int) bool { return sum.Consumers[i].Name < sum.Consumers[j].Name })
	return sum, nil
}

// PendingQuery selects entries for the extended form of XPENDING
type PendingQuery struct {
	Lo, Hi ID
	Count  int
	// Consumer restricts the result to one consumer ("" = all)
	Consumer string
	// MinIdle only returns entries idle for at least MinIdle ms
	MinIdle uint64
}

// PendingInfo is one row of the extended form of XPENDING
type PendingInfo struct {
	ID            ID
	Consumer      string
	Idle          uint64
	DeliveryCount uint64
}

// PendingRange lists pending entries in ascending id order
func (s *Stream) PendingRange(group string, q PendingQuery, now uint64) ([]PendingInfo, error) {
	g, err := s.group(group)
	if err != nil {
		return nil, err
	}

	src := g.pending
	if q.Consumer != "" {
		c, ok := g.consumers[q.Consumer]
		if !ok {
			return nil, nil
		}
		src = c.pending
	}

	var out []PendingInfo
	if q.Hi.Less(q.Lo) || q.Count <= 0 {
		return out, nil
	}
	src.AscendGreaterOrEqual(&PendingEntry{ID: q.Lo}, func(p *PendingEntry) bool {
		if q.Hi.Less(p.ID) || len(out) >= q.Count {
			return false
		}
		idle := now - min(p.DeliveryTime, now)
		if idle >= q.MinIdle {
			out = append(out, PendingInfo{ID: p.ID, Consumer: p.Consumer, Idle: idle, DeliveryCount: p.DeliveryCount})
		}
		return true
	})
	return out, nil
}

// --------------------------------------------------------------------------
// Info
// --------------------------------------------------------------------------

// GroupInfo is one row of XINFO GROUPS
type GroupInfo struct {
	Name            string
	Consumers       int
	Pending         int
	LastDeliveredID ID
}

// GroupsInfo lists all groups ordered by name
func (s *Stream) GroupsInfo() []GroupInfo {
	out := make([]GroupInfo, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, GroupInfo{
			Name:            g.name,
			Consumers:       len(g.consumers),
			Pending:         g.pending.Len(),
			LastDeliveredID: g.lastDelivered,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ConsumerInfo is one row of XINFO CONSUMERS
type ConsumerInfo struct {
	Name    string
	Pending int
	// Idle is the time since the last interaction, Inactive the time since the last
	// successful one (-1 if there was none)
	Idle     uint64
	Inactive int64
}

// ConsumersInfo lists the consumers of a group ordered by name
func (s *Stream) ConsumersInfo(group string, now uint64) ([]ConsumerInfo, error) {
	g, err := s.group(group)
	if err != nil {
		return nil, err
	}

	out := make([]ConsumerInfo, 0, len(g.consumers))
	for _, c := range g.consumers {
		info := ConsumerInfo{
			Name:     c.name,
			Pending:  c.pending.Len(),
			Idle:     now - min(c.seenTime, now),
			Inactive: -1,
		}
		if c.activeTime != 0 {
			info.Inactive = int64(now - min(c.activeTime, now))
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
