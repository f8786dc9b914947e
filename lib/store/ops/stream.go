package ops

import (
	"bytes"
	"errors"
	"slices"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
)

// cloneEntries copies entries so they can leave the bucket lock
func cloneEntries(entries []stream.Entry) []stream.Entry {
	if entries == nil {
		return nil
	}
	out := make([]stream.Entry, len(entries))
	for i, e := range entries {
		out[i].ID = e.ID
		if e.Fields != nil {
			out[i].Fields = make([]db.FieldValue, len(e.Fields))
			for j, f := range e.Fields {
				out[i].Fields[j] = db.FieldValue{Field: f.Field, Value: bytes.Clone(f.Value)}
			}
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Append, range, delete, trim
// --------------------------------------------------------------------------

// XAdd appends an entry. ok is false if the stream does not exist and args.NoMkStream is set.
func (e *Engine) XAdd(key string, args store.XAddArgs, now uint64) (id stream.ID, ok bool, err error) {
	if len(args.Fields) == 0 {
		return id, false, store.NewError(store.RetCInvalidOperation, "wrong number of arguments for 'xadd' command")
	}
	err = store.FromError(e.db.Update(key, now, func(obj db.Object) (db.Object, error) {
		s, err := asStream(obj)
		if err != nil {
			return obj, err
		}
		if s == nil {
			if args.NoMkStream {
				return nil, nil
			}
			s = stream.New()
		}
		if id, err = s.Add(args.ID, args.Fields, now); err != nil {
			return obj, err
		}
		if args.Trim.Strategy != stream.TrimNone {
			s.Trim(args.Trim)
		}
		ok = true
		return s, nil
	}))
	return id, ok, err
}

func (e *Engine) XLen(key string) (n int, err error) {
	err = e.viewStreamOpt(key, func(s *stream.Stream) error {
		if s != nil {
			n = s.Len()
		}
		return nil
	})
	return n, err
}

func (e *Engine) XRange(key string, lo, hi stream.ID, count int) (entries []stream.Entry, err error) {
	err = e.viewStreamOpt(key, func(s *stream.Stream) error {
		if s != nil {
			entries = cloneEntries(s.Range(lo, hi, count))
		}
		return nil
	})
	return entries, err
}

func (e *Engine) XRevRange(key string, hi, lo stream.ID, count int) (entries []stream.Entry, err error) {
	err = e.viewStreamOpt(key, func(s *stream.Stream) error {
		if s != nil {
			entries = cloneEntries(s.RevRange(hi, lo, count))
		}
		return nil
	})
	return entries, err
}

func (e *Engine) XDel(key string, ids []stream.ID, now uint64) (removed int, err error) {
	err = e.updateStream(key, now, false, func(s *stream.Stream) error {
		removed = s.Delete(ids)
		return nil
	})
	if errors.Is(err, store.ErrNoSuchStream) {
		return 0, nil
	}
	return removed, err
}

func (e *Engine) XTrim(key string, opts stream.TrimOptions, now uint64) (removed int, err error) {
	err = e.updateStream(key, now, false, func(s *stream.Stream) error {
		removed = s.Trim(opts)
		return nil
	})
	if errors.Is(err, store.ErrNoSuchStream) {
		return 0, nil
	}
	return removed, err
}

// --------------------------------------------------------------------------
// Reads outside of groups
// --------------------------------------------------------------------------

// XResolveLastIDs replaces every "$" in ids by the last id of the stream
// (0-0 for missing streams) and parses all other ids.
func (e *Engine) XResolveLastIDs(keys, ids []string) ([]stream.ID, error) {
	if len(keys) != len(ids) {
		return nil, store.NewError(store.RetCInvalidOperation, "Unbalanced 'xread' list of streams: for each stream key an ID or '$' must be specified.")
	}
	out := make([]stream.ID, len(ids))
	for i, raw := range ids {
		if raw != "$" {
			id, err := stream.ParseID(raw)
			if err != nil {
				return nil, store.FromError(err)
			}
			out[i] = id
			continue
		}
		err := e.viewStreamOpt(keys[i], func(s *stream.Stream) error {
			if s != nil {
				out[i] = s.LastID()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// XRead returns up to count entries after each id. Streams without new entries are left out.
func (e *Engine) XRead(keys []string, after []stream.ID, count int) ([]store.StreamEntries, error) {
	var out []store.StreamEntries
	for i, key := range keys {
		err := e.viewStreamOpt(key, func(s *stream.Stream) error {
			if s == nil {
				return nil
			}
			if entries := s.After(after[i], count); len(entries) > 0 {
				out = append(out, store.StreamEntries{Key: key, Entries: cloneEntries(entries)})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Consumer groups
// --------------------------------------------------------------------------

// XReadGroup reads on behalf of a consumer. Every key and group is checked
// before anything is delivered. New-entry reads without result leave the
// stream out of the reply, history reads always report their stream.
func (e *Engine) XReadGroup(args store.XReadGroupArgs, now uint64) ([]store.StreamEntries, error) {
	if len(args.Keys) != len(args.IDs) {
		return nil, store.NewError(store.RetCInvalidOperation, "Unbalanced 'xreadgroup' list of streams: for each stream key an ID or '>' must be specified.")
	}

	offsets := make([]stream.ReadOffset, len(args.IDs))
	for i, raw := range args.IDs {
		off, err := stream.ParseReadOffset(raw)
		if err != nil {
			return nil, store.FromError(err)
		}
		offsets[i] = off
	}

	for _, key := range args.Keys {
		err := e.viewStream(key, func(s *stream.Stream) error {
			if !s.HasGroup(args.Group) {
				return store.Errorf(store.RetCNoSuchGroup, "No such key '%s' or consumer group '%s' in XREADGROUP with GROUP option", key, args.Group)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var out []store.StreamEntries
	for i, key := range args.Keys {
		err := e.updateStream(key, now, false, func(s *stream.Stream) error {
			entries, err := s.ReadGroup(args.Group, args.Consumer, offsets[i], args.Count, args.NoAck, now)
			if err != nil {
				return err
			}
			if len(entries) > 0 || !offsets[i].New {
				out = append(out, store.StreamEntries{Key: key, Entries: cloneEntries(entries)})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// OnlyNewEntries reports whether every offset is ">", only those reads may block
func OnlyNewEntries(ids []string) bool {
	return !slices.ContainsFunc(ids, func(id string) bool { return id != ">" })
}

func (e *Engine) XAck(key, group string, ids []stream.ID, now uint64) (acked int, err error) {
	err = e.updateStream(key, now, false, func(s *stream.Stream) error {
		acked, err = s.Ack(group, ids)
		return err
	})
	return acked, err
}

func (e *Engine) XClaim(key, group, consumer string, minIdle uint64, ids []stream.ID, opts stream.ClaimOptions, now uint64) (entries []stream.Entry, err error) {
	err = e.updateStream(key, now, false, func(s *stream.Stream) error {
		claimed, err := s.Claim(group, consumer, minIdle, ids, opts, now)
		entries = cloneEntries(claimed)
		return err
	})
	return entries, err
}

func (e *Engine) XPending(key, group string) (summary stream.PendingSummary, err error) {
	err = e.viewStream(key, func(s *stream.Stream) error {
		summary, err = s.Pending(group)
		return err
	})
	return summary, err
}

func (e *Engine) XPendingRange(key, group string, q stream.PendingQuery, now uint64) (pending []stream.PendingInfo, err error) {
	err = e.viewStream(key, func(s *stream.Stream) error {
		pending, err = s.PendingRange(group, q, now)
		return err
	})
	return pending, err
}

func (e *Engine) XGroupCreate(key, group, id string, mkStream bool, now uint64) error {
	return e.updateStream(key, now, mkStream, func(s *stream.Stream) error {
		lastDelivered, err := s.ResolveGroupID(id)
		if err != nil {
			return err
		}
		return s.CreateGroup(group, lastDelivered)
	})
}

func (e *Engine) XGroupDestroy(key, group string, now uint64) (destroyed bool, err error) {
	err = e.updateStream(key, now, false, func(s *stream.Stream) error {
		destroyed = s.DestroyGroup(group)
		return nil
	})
	return destroyed, err
}

func (e *Engine) XGroupSetID(key, group, id string, now uint64) error {
	return e.updateStream(key, now, false, func(s *stream.Stream) error {
		lastDelivered, err := s.ResolveGroupID(id)
		if err != nil {
			return err
		}
		return s.SetGroupID(group, lastDelivered)
	})
}

func (e *Engine) XGroupCreateConsumer(key, group, consumer string, now uint64) (created bool, err error) {
	err = e.updateStream(key, now, false, func(s *stream.Stream) error {
		created, err = s.CreateConsumer(group, consumer, now)
		return err
	})
	return created, err
}

func (e *Engine) XGroupDelConsumer(key, group, consumer string, now uint64) (pending int, err error) {
	err = e.updateStream(key, now, false, func(s *stream.Stream) error {
		pending, err = s.DeleteConsumer(group, consumer)
		return err
	})
	return pending, err
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

func (e *Engine) XInfoStream(key string) (info stream.Info, err error) {
	err = e.viewStream(key, func(s *stream.Stream) error {
		info = s.Info()
		if info.FirstEntry != nil {
			info.FirstEntry = &cloneEntries([]stream.Entry{*info.FirstEntry})[0]
		}
		if info.LastEntry != nil {
			info.LastEntry = &cloneEntries([]stream.Entry{*info.LastEntry})[0]
		}
		return nil
	})
	return info, err
}

func (e *Engine) XInfoGroups(key string) (groups []stream.GroupInfo, err error) {
	err = e.viewStream(key, func(s *stream.Stream) error {
		groups = s.GroupsInfo()
		return nil
	})
	return groups, err
}

func (e *Engine) XInfoConsumers(key, group string, now uint64) (consumers []stream.ConsumerInfo, err error) {
	err = e.viewStream(key, func(s *stream.Stream) error {
		consumers, err = s.ConsumersInfo(group, now)
		return err
	})
	return consumers, err
}
