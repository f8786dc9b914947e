package ops

import (
	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
)

func (e *Engine) Delete(keys []string, now uint64) int {
	n := 0
	for _, key := range keys {
		if e.db.Delete(key, now) {
			n++
		}
	}
	return n
}

func (e *Engine) Exists(keys []string) int {
	n := 0
	for _, key := range keys {
		if e.db.Has(key) {
			n++
		}
	}
	return n
}

func (e *Engine) Type(key string) db.ValueType {
	return e.db.Type(key)
}

// Expire sets the deadline now+ttlMillis on key. A ttl <= 0 removes the key.
func (e *Engine) Expire(key string, ttlMillis int64, now uint64) bool {
	if ttlMillis <= 0 {
		return e.db.Delete(key, now)
	}
	return e.db.Expire(key, now+uint64(ttlMillis), now)
}

// TTL returns the remaining time to live of key in ms, relative to now
func (e *Engine) TTL(key string, now uint64) int64 {
	at, ok := e.db.ExpireAt(key)
	switch {
	case !ok:
		return store.TTLMissing
	case at == 0:
		return store.TTLPersistent
	case at <= now:
		return 0
	default:
		return int64(at - now)
	}
}

func (e *Engine) DBSize() int {
	return e.db.Size()
}

func (e *Engine) GetInfo() db.DatabaseInfo {
	return e.db.GetInfo()
}
