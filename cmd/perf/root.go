package perf

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ValentinKolb/skv/cmd/util"
	"github.com/ValentinKolb/skv/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

var (
	// PerfCmd benchmarks a running server
	PerfCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for skv servers",
		Long: `Runs benchmarks against a running server and prints the time per operation.

Benchmarks: hset, hset-large, hget, xadd, xreadgroup (read and ack one entry).
All keys are created under the prefix "__perf" and deleted afterwards.`,
		PreRunE: processPerfConfig,
		RunE:    run,
		PostRun: func(*cobra.Command, []string) {
			if rpcClient != nil {
				_ = rpcClient.Close()
			}
		},
	}

	rpcClient *client.Client
	limiter   *rate.Limiter

	perfKeyPrefix        = "__perf"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfRate             = 0
	perfSkip             = make([]string, 0)
)

func init() {
	util.SetupRPCClientFlags(PerfCmd)

	// add flags
	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. hset,xadd)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How large the value for the hset-large test should be (in KB)"))
	key = "keys"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "rate"
	PerfCmd.Flags().Int(key, 0, util.WrapString("Maximum operations per second over all threads (0 for no limit)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) (err error) {
	rpcClient, err = util.NewClient(cmd)
	if err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfRate = viper.GetInt("rate")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(perfRate), perfNumThreads)
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	fmt.Println("Performance testing tool for skv servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	if perfRate > 0 {
		fmt.Printf("Rate: %d ops/sec\n", perfRate)
	}
	fmt.Println()

	if _, err := rpcClient.Ping(ctx); err != nil {
		return fmt.Errorf("server not reachable: %w", err)
	}

	fmt.Println("starting tests...")

	results := make([]result, 0, len(benchmarks))
	for _, bench := range benchmarks {
		r := result{name: bench.name}
		if !shouldSkip(bench.name) {
			r.BenchmarkResult = testing.Benchmark(func(b *testing.B) {
				runBenchmark(ctx, b, bench)
			})
		}
		results = append(results, r)
		printResult(r)
	}

	m := rpcClient.Metrics()
	fmt.Printf("\nclient: %d requests, %d errors, p50 %s, p99 %s, max %s\n",
		m.Requests, m.Errors, m.P50Latency, m.P99Latency, m.MaxLatency)

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// runBenchmark prepares the keys of bench, runs its operation in parallel and
// deletes the keys afterwards
func runBenchmark(ctx context.Context, b *testing.B, bench benchmark) {
	keys := getKeys(bench.name)

	b.Cleanup(func() {
		if _, err := rpcClient.Del(context.Background(), keys...); err != nil {
			util.Logger.Warningf("(%s) - error deleting keys: %v", bench.name, err)
		}
	})

	op, err := bench.setup(ctx, b.N, keys)
	if err != nil {
		b.Fatalf("(%s) - setup failed: %v", bench.name, err)
	}

	b.SetParallelism(perfNumThreads)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		w := op()
		counter := 0
		for pb.Next() {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			if err := w(ctx, counter); err != nil {
				util.Logger.Warningf("(%s) - operation failed: %v", bench.name, err)
			}
			counter++
		}
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// getKeys creates the test keys of one benchmark
func getKeys(prefix string) []string {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}
	return keys
}
