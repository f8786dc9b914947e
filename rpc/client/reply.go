package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/transport"
)

// --------------------------------------------------------------------------
// Reply Decoding
// --------------------------------------------------------------------------

func asString(v codec.Value) (string, error) {
	if v.Kind != codec.KindBulk && v.Kind != codec.KindStatus {
		return "", unexpected("string", v)
	}
	return string(v.Str), nil
}

func asBytes(v codec.Value) ([]byte, error) {
	if v.Kind != codec.KindBulk {
		return nil, unexpected("bulk", v)
	}
	return v.Str, nil
}

func asOptional(v codec.Value) (store.OptionalValue, error) {
	if v.Kind != codec.KindBulk {
		return store.OptionalValue{}, unexpected("bulk", v)
	}
	if v.Null {
		return store.OptionalValue{}, nil
	}
	return store.OptionalValue{Value: v.Str, Ok: true}, nil
}

func asID(v codec.Value) (stream.ID, error) {
	s, err := asString(v)
	if err != nil {
		return stream.ID{}, err
	}
	id, err := stream.ParseID(s)
	if err != nil {
		return stream.ID{}, fmt.Errorf("%w: %w", codec.ErrProtocol, err)
	}
	return id, nil
}

// asOptionalID decodes an id that may be null (0-0 then)
func asOptionalID(v codec.Value) (stream.ID, error) {
	if v.Null {
		return stream.ID{}, nil
	}
	return asID(v)
}

func asArray(v codec.Value) ([]codec.Value, error) {
	if v.Kind != codec.KindArray {
		return nil, unexpected("array", v)
	}
	return v.Elems, nil
}

// asFields decodes a flat field, value array
func asFields(v codec.Value) ([]db.FieldValue, error) {
	elems, err := asArray(v)
	if err != nil {
		return nil, err
	}
	if len(elems)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of elements in field list", codec.ErrProtocol)
	}
	fields := make([]db.FieldValue, 0, len(elems)/2)
	for i := 0; i < len(elems); i += 2 {
		f, err := asString(elems[i])
		if err != nil {
			return nil, err
		}
		val, err := asBytes(elems[i+1])
		if err != nil {
			return nil, err
		}
		fields = append(fields, db.FieldValue{Field: f, Value: val})
	}
	return fields, nil
}

// asEntry decodes [id, [field, value, ...]]. The fields of a deleted entry are null.
func asEntry(v codec.Value) (stream.Entry, error) {
	elems, err := asArray(v)
	if err != nil {
		return stream.Entry{}, err
	}
	if len(elems) != 2 {
		return stream.Entry{}, fmt.Errorf("%w: entry with %d elements", codec.ErrProtocol, len(elems))
	}
	id, err := asID(elems[0])
	if err != nil {
		return stream.Entry{}, err
	}
	if elems[1].Null {
		return stream.Entry{ID: id}, nil
	}
	fields, err := asFields(elems[1])
	if err != nil {
		return stream.Entry{}, err
	}
	return stream.Entry{ID: id, Fields: fields}, nil
}

// asMessages decodes the reply of XREAD and XREADGROUP: [[key, [entry, ...]], ...] or null
func asMessages(v codec.Value) ([]Message, error) {
	if v.Null {
		return nil, nil
	}
	streams, err := asArray(v)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, sv := range streams {
		pair, err := asArray(sv)
		if err != nil {
			return nil, err
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: stream reply with %d elements", codec.ErrProtocol, len(pair))
		}
		key, err := asString(pair[0])
		if err != nil {
			return nil, err
		}
		entries, err := asArray(pair[1])
		if err != nil {
			return nil, err
		}
		for _, ev := range entries {
			e, err := asEntry(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, Message{Stream: key, Entry: e})
		}
	}
	return out, nil
}

// asMap decodes a flat key, value array into a map
func asMap(v codec.Value) (map[string]codec.Value, error) {
	elems, err := asArray(v)
	if err != nil {
		return nil, err
	}
	if len(elems)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of elements in map", codec.ErrProtocol)
	}
	m := make(map[string]codec.Value, len(elems)/2)
	for i := 0; i < len(elems); i += 2 {
		k, err := asString(elems[i])
		if err != nil {
			return nil, err
		}
		m[k] = elems[i+1]
	}
	return m, nil
}

// mapInt reads an integer entry of a decoded map
func mapInt(m map[string]codec.Value, key string) (int64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", codec.ErrProtocol, key)
	}
	return v.Integer()
}

func asPendingInfo(v codec.Value) (stream.PendingInfo, error) {
	elems, err := asArray(v)
	if err != nil {
		return stream.PendingInfo{}, err
	}
	if len(elems) != 4 {
		return stream.PendingInfo{}, fmt.Errorf("%w: pending entry with %d elements", codec.ErrProtocol, len(elems))
	}
	id, err := asID(elems[0])
	if err != nil {
		return stream.PendingInfo{}, err
	}
	consumer, err := asString(elems[1])
	if err != nil {
		return stream.PendingInfo{}, err
	}
	idle, err := elems[2].Integer()
	if err != nil {
		return stream.PendingInfo{}, err
	}
	count, err := elems[3].Integer()
	if err != nil {
		return stream.PendingInfo{}, err
	}
	return stream.PendingInfo{ID: id, Consumer: consumer, Idle: uint64(idle), DeliveryCount: uint64(count)}, nil
}

func asGroupInfo(v codec.Value) (stream.GroupInfo, error) {
	m, err := asMap(v)
	if err != nil {
		return stream.GroupInfo{}, err
	}
	var gi stream.GroupInfo
	if gi.Name, err = asString(m["name"]); err != nil {
		return gi, err
	}
	consumers, err := mapInt(m, "consumers")
	if err != nil {
		return gi, err
	}
	pending, err := mapInt(m, "pending")
	if err != nil {
		return gi, err
	}
	gi.Consumers, gi.Pending = int(consumers), int(pending)
	gi.LastDeliveredID, err = asID(m["last-delivered-id"])
	return gi, err
}

func asConsumerInfo(v codec.Value) (stream.ConsumerInfo, error) {
	m, err := asMap(v)
	if err != nil {
		return stream.ConsumerInfo{}, err
	}
	var ci stream.ConsumerInfo
	if ci.Name, err = asString(m["name"]); err != nil {
		return ci, err
	}
	pending, err := mapInt(m, "pending")
	if err != nil {
		return ci, err
	}
	idle, err := mapInt(m, "idle")
	if err != nil {
		return ci, err
	}
	inactive, err := mapInt(m, "inactive")
	if err != nil {
		return ci, err
	}
	ci.Pending, ci.Idle, ci.Inactive = int(pending), uint64(idle), inactive
	return ci, nil
}

func asStreamInfo(v codec.Value) (stream.Info, error) {
	m, err := asMap(v)
	if err != nil {
		return stream.Info{}, err
	}
	var info stream.Info
	ints := []struct {
		key string
		dst func(int64)
	}{
		{"length", func(n int64) { info.Length = int(n) }},
		{"nodes", func(n int64) { info.Nodes = int(n) }},
		{"groups", func(n int64) { info.Groups = int(n) }},
		{"entries-added", func(n int64) { info.EntriesAdded = uint64(n) }},
	}
	for _, f := range ints {
		n, err := mapInt(m, f.key)
		if err != nil {
			return info, err
		}
		f.dst(n)
	}
	if info.LastGeneratedID, err = asID(m["last-generated-id"]); err != nil {
		return info, err
	}
	if info.MaxDeletedID, err = asID(m["max-deleted-entry-id"]); err != nil {
		return info, err
	}
	for key, dst := range map[string]**stream.Entry{"first-entry": &info.FirstEntry, "last-entry": &info.LastEntry} {
		ev, ok := m[key]
		if !ok || ev.Null {
			continue
		}
		e, err := asEntry(ev)
		if err != nil {
			return info, err
		}
		*dst = &e
	}
	return info, nil
}

// --------------------------------------------------------------------------
// Pair Iterator
// --------------------------------------------------------------------------

// fromPairs decodes a flat field, value array reply element by element
func fromPairs(s transport.ReplyStream) *Iterator[db.FieldValue] {
	next := func(ctx context.Context) (codec.Value, bool, error) {
		v, ok, err := s.Next(ctx)
		if err == nil && ok && v.IsError() {
			return v, false, replyError(v)
		}
		return v, ok, err
	}
	return &Iterator[db.FieldValue]{
		next: func(ctx context.Context) (db.FieldValue, bool, error) {
			fv, ok, err := next(ctx)
			if err != nil || !ok {
				return db.FieldValue{}, false, err
			}
			vv, ok, err := next(ctx)
			if err != nil {
				return db.FieldValue{}, false, err
			}
			if !ok {
				return db.FieldValue{}, false, fmt.Errorf("%w: odd number of elements in field list", codec.ErrProtocol)
			}
			f, err := asString(fv)
			if err != nil {
				return db.FieldValue{}, false, err
			}
			val, err := asBytes(vv)
			if err != nil {
				return db.FieldValue{}, false, err
			}
			return db.FieldValue{Field: f, Value: val}, true, nil
		},
		close: s.Close,
	}
}
