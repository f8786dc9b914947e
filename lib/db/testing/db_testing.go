package testing

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/hashtable"
	"github.com/ValentinKolb/skv/lib/stream"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Update&View", func(t *testing.T) {
			testUpdateView(t, factory())
		})

		t.Run("UpdateError", func(t *testing.T) {
			testUpdateError(t, factory())
		})

		t.Run("UpdateNilDeletes", func(t *testing.T) {
			testUpdateNilDeletes(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Expire", func(t *testing.T) {
			testExpire(t, factory())
		})

		t.Run("UpdateKeepsExpiry", func(t *testing.T) {
			testUpdateKeepsExpiry(t, factory())
		})

		t.Run("WriteToExpiredKey", func(t *testing.T) {
			testWriteToExpiredKey(t, factory())
		})

		t.Run("ManyExpiringKeys", func(t *testing.T) {
			testManyExpiringKeys(t, factory())
		})

		t.Run("WriteIndex", func(t *testing.T) {
			testWriteIndex(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("ConcurrentUpdates", func(t *testing.T) {
			testConcurrentUpdates(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// hset sets a field of the hash stored under key, creating the hash if needed
func hset(database db.KVDB, key, field, value string, writeIdx uint64) error {
	return database.Update(key, writeIdx, func(obj db.Object) (db.Object, error) {
		if obj == nil {
			obj = hashtable.New()
		}
		h, ok := obj.(*hashtable.Table)
		if !ok {
			return nil, fmt.Errorf("wrong type %s", obj.Type())
		}
		h.Set(field, []byte(value))
		return h, nil
	})
}

// hget reads a field of the hash stored under key
func hget(database db.KVDB, key, field string) (value []byte, ok bool) {
	_ = database.View(key, func(obj db.Object) error {
		if h, isHash := obj.(*hashtable.Table); isHash {
			if v, found := h.Get(field); found {
				value = bytes.Clone(v)
				ok = true
			}
		}
		return nil
	})
	return value, ok
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testUpdateView(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureHash)

	if err := hset(database, "h", "f1", "v1", 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := hset(database, "h", "f2", "v2", 2); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if v, ok := hget(database, "h", "f1"); !ok || string(v) != "v1" {
		t.Errorf("Expected f1=v1, got %q (found=%v)", v, ok)
	}
	if !database.Has("h") {
		t.Errorf("Expected key h to exist")
	}
	if typ := database.Type("h"); typ != db.TypeHash {
		t.Errorf("Expected type hash, got %s", typ)
	}
	if typ := database.Type("missing"); typ != db.TypeNone {
		t.Errorf("Expected type none for a missing key, got %s", typ)
	}

	var length int
	_ = database.View("h", func(obj db.Object) error {
		length = obj.Len()
		return nil
	})
	if length != 2 {
		t.Errorf("Expected 2 fields, got %d", length)
	}

	// View of a missing key sees nil
	called := false
	err := database.View("missing", func(obj db.Object) error {
		called = true
		if obj != nil {
			t.Errorf("Expected nil object for a missing key")
		}
		return nil
	})
	if err != nil || !called {
		t.Errorf("View of a missing key should call fn and succeed")
	}

	// View must not create keys
	if database.Has("missing") || database.Size() != 1 {
		t.Errorf("View must not create keys (size=%d)", database.Size())
	}

	// a stream lives next to the hash
	if requireStream := database.SupportsFeature(db.FeatureStream); requireStream {
		err := database.Update("s", 3, func(obj db.Object) (db.Object, error) {
			s := stream.New()
			_, err := s.Add(stream.AutoID, []db.FieldValue{{Field: "a", Value: []byte("1")}}, 3)
			return s, err
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if typ := database.Type("s"); typ != db.TypeStream {
			t.Errorf("Expected type stream, got %s", typ)
		}
	}
}

func testUpdateError(t *testing.T, database db.KVDB) {
	defer database.Close()

	sentinel := errors.New("boom")

	// failing on a missing key does not create it
	err := database.Update("k", 1, func(obj db.Object) (db.Object, error) {
		return hashtable.New(), sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected the error of fn, got %v", err)
	}
	if database.Has("k") {
		t.Errorf("A failed update must not create the key")
	}

	// failing on an existing key keeps it
	if err := hset(database, "k", "f", "v", 2); err != nil {
		t.Fatal(err)
	}
	err = database.Update("k", 3, func(obj db.Object) (db.Object, error) {
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected the error of fn, got %v", err)
	}
	if v, ok := hget(database, "k", "f"); !ok || string(v) != "v" {
		t.Errorf("A failed update must keep the key, got %q (found=%v)", v, ok)
	}

	// the error of View is passed through
	if err := database.View("k", func(db.Object) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("Expected the error of fn from View, got %v", err)
	}
}

func testUpdateNilDeletes(t *testing.T, database db.KVDB) {
	defer database.Close()

	if err := hset(database, "k", "f", "v", 1); err != nil {
		t.Fatal(err)
	}
	err := database.Update("k", 2, func(obj db.Object) (db.Object, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if database.Has("k") {
		t.Errorf("Returning nil from Update should remove the key")
	}

	// returning nil for a missing key is a no-op
	if err := database.Update("other", 3, func(db.Object) (db.Object, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	if database.Size() != 0 {
		t.Errorf("Expected empty database, got size %d", database.Size())
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureDelete)

	if err := hset(database, "k", "f", "v", 1); err != nil {
		t.Fatal(err)
	}
	if !database.Delete("k", 2) {
		t.Errorf("Delete of an existing key should return true")
	}
	if database.Delete("k", 3) {
		t.Errorf("Delete of a missing key should return false")
	}
	if database.Has("k") {
		t.Errorf("Key should not exist after delete")
	}
	if _, ok := hget(database, "k", "f"); ok {
		t.Errorf("Field should not exist after delete")
	}

	// the key can be recreated
	if err := hset(database, "k", "g", "w", 4); err != nil {
		t.Fatal(err)
	}
	if _, ok := hget(database, "k", "f"); ok {
		t.Errorf("Recreated key must not contain old fields")
	}
}

func testExpire(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureExpire)

	if err := hset(database, "k", "f", "v", 100); err != nil {
		t.Fatal(err)
	}
	if at, ok := database.ExpireAt("k"); !ok || at != 0 {
		t.Errorf("Expected no deadline, got %d (found=%v)", at, ok)
	}

	if !database.Expire("k", 110, 100) {
		t.Fatalf("Expire of an existing key should return true")
	}
	if at, _ := database.ExpireAt("k"); at != 110 {
		t.Errorf("Expected deadline 110, got %d", at)
	}

	database.SetWriteIdx(109)
	if !database.Has("k") {
		t.Errorf("Key should still exist at index 109")
	}

	database.SetWriteIdx(110)
	if database.Has("k") {
		t.Errorf("Key should have expired at index 110")
	}
	if _, ok := hget(database, "k", "f"); ok {
		t.Errorf("Fields of an expired key must not be visible")
	}
	if _, ok := database.ExpireAt("k"); ok {
		t.Errorf("ExpireAt of an expired key should report a missing key")
	}
	if database.Expire("k", 200, 111) {
		t.Errorf("Expire of an expired key should return false")
	}
	if database.Expire("missing", 200, 111) {
		t.Errorf("Expire of a missing key should return false")
	}

	// deadline 0 removes the deadline
	if err := hset(database, "p", "f", "v", 120); err != nil {
		t.Fatal(err)
	}
	database.Expire("p", 130, 120)
	database.Expire("p", 0, 121)
	database.SetWriteIdx(140)
	if !database.Has("p") {
		t.Errorf("Key should persist after its deadline was removed")
	}

	// a deadline in the past removes the key at once
	if !database.Expire("p", 100, 141) {
		t.Errorf("Expire with a past deadline should return true")
	}
	if database.Has("p") {
		t.Errorf("Key should be removed by a past deadline")
	}
}

func testUpdateKeepsExpiry(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureExpire)

	if err := hset(database, "k", "a", "1", 10); err != nil {
		t.Fatal(err)
	}
	database.Expire("k", 50, 10)

	if err := hset(database, "k", "b", "2", 20); err != nil {
		t.Fatal(err)
	}
	if at, ok := database.ExpireAt("k"); !ok || at != 50 {
		t.Errorf("Update should keep the deadline, got %d (found=%v)", at, ok)
	}

	database.SetWriteIdx(50)
	if database.Has("k") {
		t.Errorf("Key should have expired at index 50")
	}
}

func testWriteToExpiredKey(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureExpire)

	if err := hset(database, "k", "old", "1", 10); err != nil {
		t.Fatal(err)
	}
	database.Expire("k", 20, 10)

	// the write happens after the deadline and sees no object
	err := database.Update("k", 30, func(obj db.Object) (db.Object, error) {
		if obj != nil {
			t.Errorf("Update should not see an expired object")
		}
		h := hashtable.New()
		h.Set("new", []byte("2"))
		return h, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if at, ok := database.ExpireAt("k"); !ok || at != 0 {
		t.Errorf("A fresh key must not inherit the old deadline, got %d (found=%v)", at, ok)
	}
	if _, ok := hget(database, "k", "old"); ok {
		t.Errorf("A fresh key must not contain fields of the expired key")
	}
	if v, ok := hget(database, "k", "new"); !ok || string(v) != "2" {
		t.Errorf("Expected new=2, got %q", v)
	}
}

func testManyExpiringKeys(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureExpire|db.FeatureGarbageCollect)

	const n = 1000
	for i := 0; i < n; i++ {
		key := "key-" + strconv.Itoa(i)
		if err := hset(database, key, "f", "v", 1); err != nil {
			t.Fatal(err)
		}
		database.Expire(key, uint64(10+i%10), 1)
	}
	if err := hset(database, "persistent", "f", "v", 1); err != nil {
		t.Fatal(err)
	}

	database.SetWriteIdx(100)

	// every expired key is invisible at once
	for i := 0; i < n; i++ {
		if database.Has("key-" + strconv.Itoa(i)) {
			t.Fatalf("key-%d should have expired", i)
		}
	}

	// the gc eventually removes them
	deadline := time.Now().Add(5 * time.Second)
	for database.Size() > 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if size := database.Size(); size != 1 {
		t.Errorf("Expected the gc to collect all expired keys, size is %d", size)
	}
	if !database.Has("persistent") {
		t.Errorf("The gc must not collect keys without deadline")
	}
}

func testWriteIndex(t *testing.T, database db.KVDB) {
	defer database.Close()

	database.SetWriteIdx(10)
	database.SetWriteIdx(5)
	if idx := database.WriteIdx(); idx != 10 {
		t.Errorf("Write index must not go backwards, got %d", idx)
	}

	// writes with an older index do not move the clock back either
	if err := hset(database, "k", "f", "v", 3); err != nil {
		t.Fatal(err)
	}
	if idx := database.WriteIdx(); idx != 10 {
		t.Errorf("Write index must not go backwards, got %d", idx)
	}
	if err := hset(database, "k", "f", "v", 20); err != nil {
		t.Fatal(err)
	}
	if idx := database.WriteIdx(); idx != 20 {
		t.Errorf("Expected write index 20, got %d", idx)
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory()
	defer database.Close()

	requireFeature(t, database, db.FeatureSave|db.FeatureLoad)

	for i := 0; i < 100; i++ {
		if err := hset(database, "hash-"+strconv.Itoa(i), "field", strconv.Itoa(i), uint64(i+1)); err != nil {
			t.Fatal(err)
		}
	}
	database.Expire("hash-1", 1000, 100)
	database.Expire("hash-2", 50, 100) // removed at once

	var streamID stream.ID
	if database.SupportsFeature(db.FeatureStream) {
		err := database.Update("events", 101, func(db.Object) (db.Object, error) {
			s := stream.New()
			id, err := s.Add(stream.AutoID, []db.FieldValue{{Field: "a", Value: []byte("b")}}, 101)
			streamID = id
			if err == nil {
				err = s.CreateGroup("g", stream.MinID)
			}
			return s, err
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored := factory()
	defer restored.Close()
	if err := hset(restored, "stale", "f", "v", 1); err != nil {
		t.Fatal(err)
	}
	if err := restored.Load(&buf); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if restored.Has("stale") {
		t.Errorf("Load should replace the existing state")
	}
	if restored.Size() != database.Size() {
		t.Errorf("Expected %d keys after load, got %d", database.Size(), restored.Size())
	}
	if restored.WriteIdx() != database.WriteIdx() {
		t.Errorf("Expected write index %d after load, got %d", database.WriteIdx(), restored.WriteIdx())
	}
	for i := 0; i < 100; i++ {
		if i == 2 {
			continue
		}
		key := "hash-" + strconv.Itoa(i)
		if v, ok := hget(restored, key, "field"); !ok || string(v) != strconv.Itoa(i) {
			t.Errorf("Expected %s.field=%d after load, got %q", key, i, v)
		}
	}
	if restored.Has("hash-2") {
		t.Errorf("Removed key should not be restored")
	}
	if at, _ := restored.ExpireAt("hash-1"); at != 1000 {
		t.Errorf("Expected deadline 1000 after load, got %d", at)
	}

	if database.SupportsFeature(db.FeatureStream) {
		err := restored.View("events", func(obj db.Object) error {
			s, ok := obj.(*stream.Stream)
			if !ok {
				return fmt.Errorf("expected a stream, got %v", obj)
			}
			if s.LastID() != streamID || s.Len() != 1 || !s.HasGroup("g") {
				return fmt.Errorf("stream not restored: last=%s len=%d", s.LastID(), s.Len())
			}
			return nil
		})
		if err != nil {
			t.Error(err)
		}
	}

	// the restored database keeps expiring keys
	restored.SetWriteIdx(1000)
	if restored.Has("hash-1") {
		t.Errorf("Restored deadline should still expire the key")
	}
}

func testConcurrentUpdates(t *testing.T, database db.KVDB) {
	defer database.Close()

	const (
		workers    = 8
		increments = 500
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := database.Update("counter", 1, func(obj db.Object) (db.Object, error) {
					if obj == nil {
						obj = hashtable.New()
					}
					h := obj.(*hashtable.Table)
					v, _ := h.Get("n")
					n, _ := strconv.Atoi(string(v))
					h.Set("n", []byte(strconv.Itoa(n+1)))
					return h, nil
				})
				if err != nil {
					t.Error(err)
					return
				}
				// unrelated keys in parallel
				_ = hset(database, fmt.Sprintf("w%d-%d", w, i%10), "f", "v", 1)
			}
		}(w)
	}
	wg.Wait()

	v, _ := hget(database, "counter", "n")
	if got, _ := strconv.Atoi(string(v)); got != workers*increments {
		t.Errorf("Expected counter %d, got %d", workers*increments, got)
	}
}
