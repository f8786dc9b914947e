package testing

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/hashtable"
	"github.com/ValentinKolb/skv/lib/stream"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("HSet", func(b *testing.B) {
		benchmarkHSet(b, factory())
	})

	b.Run("HSetExisting", func(b *testing.B) {
		benchmarkHSetExisting(b, factory())
	})

	b.Run("HGet", func(b *testing.B) {
		benchmarkHGet(b, factory())
	})

	b.Run("XAdd", func(b *testing.B) {
		benchmarkXAdd(b, factory())
	})

	b.Run("Has(not)", func(b *testing.B) {
		benchmarkHasNot(b, factory())
	})

	b.Run("SaveLoad", func(b *testing.B) {
		benchmarkSaveLoad(b, factory)
	})

	b.Run("MixedUsageWithExpiry", func(b *testing.B) {
		benchmarkMixedUsageWithExpiry(b, factory())
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for writing into many distinct hashes
func benchmarkHSet(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureHash)

	var worker atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		id := worker.Add(1)
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("hash-%d-%d", id, counter)
			_ = hset(database, key, "field", "value", 0)
			counter++
		}
	})
}

// Benchmark for writing fields into a small set of hashes
func benchmarkHSetExisting(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureHash)

	const numKeys = 64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("hash-%d", counter%numKeys)
			_ = hset(database, key, fmt.Sprintf("field-%d", counter%1000), "value", 0)
			counter++
		}
	})
}

// Parallel benchmarking for reading hash fields
func benchmarkHGet(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureHash)

	const numKeys = 10000
	for i := 0; i < numKeys; i++ {
		_ = hset(database, fmt.Sprintf("hash-%d", i), "field", "value", 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			_, _ = hget(database, fmt.Sprintf("hash-%d", r.Intn(numKeys)), "field")
		}
	})
}

// Benchmark for appending to a handful of streams
func benchmarkXAdd(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureStream)

	fields := []db.FieldValue{{Field: "payload", Value: bytes.Repeat([]byte("x"), 64)}}
	var clock atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			now := clock.Add(1)
			_ = database.Update(fmt.Sprintf("stream-%d", counter%8), now, func(obj db.Object) (db.Object, error) {
				if obj == nil {
					obj = stream.New()
				}
				s := obj.(*stream.Stream)
				_, err := s.Add(stream.AutoID, fields, now)
				return s, err
			})
			counter++
		}
	})
}

// Benchmark for lookups of missing keys
func benchmarkHasNot(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Has(fmt.Sprintf("missing-%d", counter))
			counter++
		}
	})
}

// Benchmark for a full snapshot round trip
func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	database := factory()

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSave|db.FeatureLoad)

	for i := 0; i < 10000; i++ {
		_ = hset(database, fmt.Sprintf("hash-%d", i), "field", "value", 0)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		if err := database.Save(&buf); err != nil {
			b.Fatal(err)
		}
		if err := database.Load(&buf); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark for reads, writes and expiring keys at the same time
func benchmarkMixedUsageWithExpiry(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureHash|db.FeatureExpire)

	const numKeys = 10000
	var clock atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			now := clock.Add(1)
			key := fmt.Sprintf("hash-%d", r.Intn(numKeys))
			switch op := r.Intn(10); {
			case op < 5:
				_, _ = hget(database, key, "field")
			case op < 8:
				_ = database.Update(key, now, func(obj db.Object) (db.Object, error) {
					if obj == nil {
						obj = hashtable.New()
					}
					h := obj.(*hashtable.Table)
					h.Set("field", []byte("value"))
					return h, nil
				})
			default:
				database.Expire(key, now+uint64(r.Intn(100)), now)
			}
		}
	})
}
