package ops

import (
	"bytes"
	"math"
	"strconv"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/db/util"
	"github.com/ValentinKolb/skv/lib/hashtable"
	"github.com/ValentinKolb/skv/lib/store"
)

// hashSeed derives the seed of a new hash from its key and the command time,
// so replicas applying the same command build identical tables (and cursors).
func hashSeed(key string, now uint64) util.UintKey {
	return util.HashString(key, now)
}

func (e *Engine) HSet(key string, pairs []db.FieldValue, now uint64) (int, error) {
	if len(pairs) == 0 {
		return 0, store.NewError(store.RetCInvalidOperation, "wrong number of arguments for 'hset' command")
	}
	created := 0
	err := e.updateHash(key, now, func(h *hashtable.Table) error {
		for _, p := range pairs {
			if h.Set(p.Field, bytes.Clone(p.Value)) {
				created++
			}
		}
		return nil
	})
	return created, err
}

func (e *Engine) HSetNX(key, field string, value []byte, now uint64) (bool, error) {
	set := false
	err := e.updateHash(key, now, func(h *hashtable.Table) error {
		if !h.Has(field) {
			h.Set(field, bytes.Clone(value))
			set = true
		}
		return nil
	})
	return set, err
}

func (e *Engine) HDel(key string, fields []string, now uint64) (int, error) {
	removed := 0
	err := store.FromError(e.db.Update(key, now, func(obj db.Object) (db.Object, error) {
		h, err := asHash(obj)
		if err != nil || h == nil {
			return obj, err
		}
		for _, f := range fields {
			if h.Delete(f) {
				removed++
			}
		}
		if h.Len() == 0 {
			return nil, nil
		}
		return h, nil
	}))
	return removed, err
}

func (e *Engine) HIncrBy(key, field string, delta int64, now uint64) (int64, error) {
	var result int64
	err := e.updateHash(key, now, func(h *hashtable.Table) error {
		var current int64
		if raw, ok := h.Get(field); ok {
			v, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return store.NewError(store.RetCInvalidOperation, "hash value is not an integer")
			}
			current = v
		}
		if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
			return store.NewError(store.RetCInvalidOperation, "increment or decrement would overflow")
		}
		result = current + delta
		h.Set(field, strconv.AppendInt(nil, result, 10))
		return nil
	})
	return result, err
}

func (e *Engine) HIncrByFloat(key, field string, delta float64, now uint64) (float64, error) {
	var result float64
	err := e.updateHash(key, now, func(h *hashtable.Table) error {
		var current float64
		if raw, ok := h.Get(field); ok {
			v, err := strconv.ParseFloat(string(raw), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return store.NewError(store.RetCInvalidOperation, "hash value is not a float")
			}
			current = v
		}
		result = current + delta
		if math.IsNaN(result) || math.IsInf(result, 0) {
			return store.NewError(store.RetCInvalidOperation, "increment would produce NaN or Infinity")
		}
		h.Set(field, strconv.AppendFloat(nil, result, 'f', -1, 64))
		return nil
	})
	return result, err
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

func (e *Engine) HGet(key, field string) (value []byte, ok bool, err error) {
	err = e.viewHash(key, func(h *hashtable.Table) error {
		if h == nil {
			return nil
		}
		var v []byte
		if v, ok = h.Get(field); ok {
			value = bytes.Clone(v)
		}
		return nil
	})
	return value, ok, err
}

func (e *Engine) HMGet(key string, fields []string) ([]store.OptionalValue, error) {
	out := make([]store.OptionalValue, len(fields))
	err := e.viewHash(key, func(h *hashtable.Table) error {
		if h == nil {
			return nil
		}
		for i, f := range fields {
			if v, ok := h.Get(f); ok {
				out[i] = store.OptionalValue{Value: bytes.Clone(v), Ok: true}
			}
		}
		return nil
	})
	return out, err
}

func (e *Engine) HExists(key, field string) (ok bool, err error) {
	err = e.viewHash(key, func(h *hashtable.Table) error {
		ok = h != nil && h.Has(field)
		return nil
	})
	return ok, err
}

func (e *Engine) HLen(key string) (n int, err error) {
	err = e.viewHash(key, func(h *hashtable.Table) error {
		if h != nil {
			n = h.Len()
		}
		return nil
	})
	return n, err
}

func (e *Engine) HStrLen(key, field string) (n int, err error) {
	err = e.viewHash(key, func(h *hashtable.Table) error {
		if h != nil {
			v, _ := h.Get(field)
			n = len(v)
		}
		return nil
	})
	return n, err
}

func (e *Engine) HGetAll(key string) (pairs []db.FieldValue, err error) {
	err = e.viewHash(key, func(h *hashtable.Table) error {
		if h == nil {
			return nil
		}
		pairs = make([]db.FieldValue, 0, h.Len())
		h.Range(func(field string, value []byte) bool {
			pairs = append(pairs, db.FieldValue{Field: field, Value: bytes.Clone(value)})
			return true
		})
		return nil
	})
	return pairs, err
}

func (e *Engine) HKeys(key string) (fields []string, err error) {
	err = e.viewHash(key, func(h *hashtable.Table) error {
		if h == nil {
			return nil
		}
		fields = make([]string, 0, h.Len())
		h.Range(func(field string, _ []byte) bool {
			fields = append(fields, field)
			return true
		})
		return nil
	})
	return fields, err
}

func (e *Engine) HVals(key string) (values [][]byte, err error) {
	err = e.viewHash(key, func(h *hashtable.Table) error {
		if h == nil {
			return nil
		}
		values = make([][]byte, 0, h.Len())
		h.Range(func(_ string, value []byte) bool {
			values = append(values, bytes.Clone(value))
			return true
		})
		return nil
	})
	return values, err
}

// HScan runs one step of a cursor scan. Scanning a missing key completes at once.
func (e *Engine) HScan(key string, cursor uint64, match string, count int) (next uint64, pairs []db.FieldValue, err error) {
	err = e.viewHash(key, func(h *hashtable.Table) error {
		if h == nil {
			return nil
		}
		var batch []db.FieldValue
		next, batch, err = h.Scan(cursor, count, match)
		if err != nil {
			return err
		}
		pairs = make([]db.FieldValue, len(batch))
		for i, p := range batch {
			pairs[i] = db.FieldValue{Field: p.Field, Value: bytes.Clone(p.Value)}
		}
		return nil
	})
	return next, pairs, err
}
