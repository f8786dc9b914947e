package perf

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/rpc/client"
	"github.com/google/uuid"
)

// opFunc is one operation of a benchmark, counter is the iteration of the calling thread
type opFunc func(ctx context.Context, counter int) error

// benchmark prepares n operations on keys. setup returns a factory that is
// called once per thread.
type benchmark struct {
	name  string
	setup func(ctx context.Context, n int, keys []string) (func() opFunc, error)
}

type result struct {
	name string
	testing.BenchmarkResult
}

var benchmarks = []benchmark{
	{name: "hset", setup: hsetBenchmark(4)},
	{name: "hset-large", setup: func(ctx context.Context, n int, keys []string) (func() opFunc, error) {
		return hsetBenchmark(perfLargeValueSizeKB*1024)(ctx, n, keys)
	}},
	{name: "hget", setup: hgetBenchmark},
	{name: "xadd", setup: xaddBenchmark},
	{name: "xreadgroup", setup: xreadgroupBenchmark},
}

func hsetBenchmark(size int) func(context.Context, int, []string) (func() opFunc, error) {
	return func(_ context.Context, _ int, keys []string) (func() opFunc, error) {
		value := make([]byte, size)
		return func() opFunc {
			return func(ctx context.Context, counter int) error {
				_, err := rpcClient.HSet(ctx, keys[counter%len(keys)], db.FieldValue{
					Field: fmt.Sprintf("f%d", counter%perfKeySpread),
					Value: value,
				})
				return err
			}
		}, nil
	}
}

func hgetBenchmark(ctx context.Context, _ int, keys []string) (func() opFunc, error) {
	for _, key := range keys {
		if _, err := rpcClient.HSet(ctx, key, db.FieldValue{Field: "f", Value: []byte("test")}); err != nil {
			return nil, err
		}
	}
	return func() opFunc {
		return func(ctx context.Context, counter int) error {
			_, _, err := rpcClient.HGet(ctx, keys[counter%len(keys)], "f")
			return err
		}
	}, nil
}

func xaddBenchmark(_ context.Context, _ int, keys []string) (func() opFunc, error) {
	fields := []db.FieldValue{{Field: "event", Value: []byte("test")}}
	return func() opFunc {
		return func(ctx context.Context, counter int) error {
			_, _, err := rpcClient.XAdd(ctx, keys[counter%len(keys)], client.XAddOptions{}, "*", fields...)
			return err
		}
	}, nil
}

// xreadgroupBenchmark fills one stream with n entries. Every thread reads
// with its own consumer and acknowledges one entry per operation.
func xreadgroupBenchmark(ctx context.Context, n int, keys []string) (func() opFunc, error) {
	key, group := keys[0], "perf"
	if err := rpcClient.XGroupCreate(ctx, key, group, "$", true); err != nil {
		return nil, err
	}
	fields := []db.FieldValue{{Field: "event", Value: []byte("test")}}
	for i := 0; i < n; i++ {
		if _, _, err := rpcClient.XAdd(ctx, key, client.XAddOptions{}, "*", fields...); err != nil {
			return nil, err
		}
	}

	return func() opFunc {
		consumer := uuid.NewString()
		return func(ctx context.Context, _ int) error {
			it := rpcClient.XReadGroup(ctx, group, consumer, client.ReadOptions{Count: 1},
				client.StreamOffset{Key: key, ID: ">"})
			for msg, err := range it.All(ctx) {
				if err != nil {
					return err
				}
				if _, err := rpcClient.XAck(ctx, key, group, msg.ID.String()); err != nil {
					return err
				}
			}
			return nil
		}
	}, nil
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(r result) {
	if r.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", r.name)
		return
	}

	nsPerOp := math.Max(float64(r.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", r.name, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}
