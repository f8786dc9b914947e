package ops

import (
	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/hashtable"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
)

// Engine runs commands against a keyspace. It holds no state of its own, all
// time dependent operations take the command time (unix ms) as argument.
type Engine struct {
	db db.KVDB
}

// New creates an engine for the given database
func New(database db.KVDB) *Engine {
	return &Engine{db: database}
}

// DB returns the underlying database
func (e *Engine) DB() db.KVDB {
	return e.db
}

// --------------------------------------------------------------------------
// Object helpers
// --------------------------------------------------------------------------

// asHash returns the hash stored in obj (nil if obj is nil)
func asHash(obj db.Object) (*hashtable.Table, error) {
	if obj == nil {
		return nil, nil
	}
	h, ok := obj.(*hashtable.Table)
	if !ok {
		return nil, store.ErrWrongType
	}
	return h, nil
}

// asStream returns the stream stored in obj (nil if obj is nil)
func asStream(obj db.Object) (*stream.Stream, error) {
	if obj == nil {
		return nil, nil
	}
	s, ok := obj.(*stream.Stream)
	if !ok {
		return nil, store.ErrWrongType
	}
	return s, nil
}

// viewHash calls fn with the hash under key (nil if absent)
func (e *Engine) viewHash(key string, fn func(h *hashtable.Table) error) error {
	return store.FromError(e.db.View(key, func(obj db.Object) error {
		h, err := asHash(obj)
		if err != nil {
			return err
		}
		return fn(h)
	}))
}

// updateHash calls fn with the hash under key (created if absent).
// A hash left without fields is removed.
func (e *Engine) updateHash(key string, now uint64, fn func(h *hashtable.Table) error) error {
	return store.FromError(e.db.Update(key, now, func(obj db.Object) (db.Object, error) {
		h, err := asHash(obj)
		if err != nil {
			return obj, err
		}
		if h == nil {
			h = hashtable.NewWithSeed(uint64(hashSeed(key, now)))
		}
		if err := fn(h); err != nil {
			return obj, err
		}
		if h.Len() == 0 {
			return nil, nil
		}
		return h, nil
	}))
}

// viewStream calls fn with the stream under key, missing streams fail with ErrNoSuchStream
func (e *Engine) viewStream(key string, fn func(s *stream.Stream) error) error {
	return store.FromError(e.db.View(key, func(obj db.Object) error {
		s, err := asStream(obj)
		if err != nil {
			return err
		}
		if s == nil {
			return store.ErrNoSuchStream
		}
		return fn(s)
	}))
}

// viewStreamOpt calls fn with the stream under key (nil if absent)
func (e *Engine) viewStreamOpt(key string, fn func(s *stream.Stream) error) error {
	return store.FromError(e.db.View(key, func(obj db.Object) error {
		s, err := asStream(obj)
		if err != nil {
			return err
		}
		return fn(s)
	}))
}

// updateStream calls fn with the stream under key. If create is false,
// missing streams fail with ErrNoSuchStream. Empty streams are kept.
func (e *Engine) updateStream(key string, now uint64, create bool, fn func(s *stream.Stream) error) error {
	return store.FromError(e.db.Update(key, now, func(obj db.Object) (db.Object, error) {
		s, err := asStream(obj)
		if err != nil {
			return obj, err
		}
		if s == nil {
			if !create {
				return nil, store.ErrNoSuchStream
			}
			s = stream.New()
		}
		if err := fn(s); err != nil {
			return obj, err
		}
		return s, nil
	}))
}
