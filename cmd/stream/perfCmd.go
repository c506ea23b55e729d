package stream

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/dStream/cmd/util"
	"github.com/ValentinKolb/dStream/stream/client"
	"github.com/ValentinKolb/dStream/stream/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for stream brokers",
		Long:    "",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfStream      = "__dstream-perf"
	perfMessageSize = 100
	perfBatchSize   = 100
	perfNumThreads  = 10
	perfWait        = 30 * time.Second
	perfSkip        = make([]string, 0)

	// perfRegistry collects latencies and rates next to the benchmark results
	perfRegistry = gometrics.NewRegistry()
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. publish,consume)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "message-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("Size of the message body (in bytes)"))
	key = "batch"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many messages the publish-batch test sends at once"))
	key = "perf-stream"
	perfTestCmd.Flags().String(key, "__dstream-perf", util.WrapString("Stream the benchmark creates and deletes"))
	key = "wait"
	perfTestCmd.Flags().Duration(key, 30*time.Second, util.WrapString("How long to wait for outstanding confirmations or deliveries"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfMessageSize = viper.GetInt("message-size")
	perfBatchSize = viper.GetInt("batch")
	perfNumThreads = viper.GetInt("threads")
	perfStream = viper.GetString("perf-stream")
	perfWait = viper.GetDuration("wait")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfBatchSize < 1 {
		return fmt.Errorf("batch must be at least 1")
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	fmt.Println("Performance testing tool for stream brokers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(clientConf.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Message size: %d bytes\n", perfMessageSize)
	fmt.Println()

	if err := streamClient.CreateStream(ctx, perfStream, nil); err != nil &&
		!common.IsResponseCode(err, common.ResponseCodeStreamAlreadyExists) {
		return err
	}
	defer func() {
		if err := streamClient.DeleteStream(context.WithoutCancel(ctx), perfStream); err != nil {
			log.Printf("error deleting stream %s: %v\n", perfStream, err)
		}
	}()

	fmt.Println("starting tests...")

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	results["publish"] = testing.Benchmark(benchPublish(ctx, "publish", 1))
	printResult("publish", results["publish"])

	results["publish-batch"] = testing.Benchmark(benchPublish(ctx, "publish-batch", perfBatchSize))
	printResult("publish-batch", results["publish-batch"])

	results["consume"] = testing.Benchmark(benchConsume(ctx))
	printResult("consume", results["consume"])

	metadataResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("metadata") {
			return
		}

		timer := gometrics.GetOrRegisterTimer("metadata.latency", perfRegistry)

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				start := time.Now()
				if _, err := streamClient.QueryMetadata(ctx, perfStream); err != nil {
					log.Printf("(metadata) - error querying metadata: %v\n", err)
				}
				timer.UpdateSince(start)
			}
		})
	})

	results["metadata"] = metadataResult
	printResult("metadata", metadataResult)

	fmt.Println()
	fmt.Println("Metrics:")
	gometrics.WriteOnce(perfRegistry, os.Stdout)

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, clientConf); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// benchPublish measures sending messages until they are confirmed. One
// operation sends batch messages.
func benchPublish(ctx context.Context, test string, batch int) func(b *testing.B) {
	return func(b *testing.B) {
		if shouldSkip(test) {
			return
		}

		sendTimer := gometrics.GetOrRegisterTimer(test+".send", perfRegistry)
		confirmed := gometrics.GetOrRegisterMeter(test+".confirmed", perfRegistry)
		failed := gometrics.GetOrRegisterCounter(test+".failed", perfRegistry)

		p, err := streamClient.DeclarePublisher(ctx, client.PublisherConfig{Stream: perfStream, ConfirmBuffer: 10_000})
		if err != nil {
			log.Printf("(%s) - error declaring publisher: %v\n", test, err)
			return
		}

		// drain confirmations until the publisher is closed
		var outcomes atomic.Int64
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for confirmation := range p.Confirms() {
				if confirmation.Confirmed {
					confirmed.Mark(1)
				} else {
					failed.Inc(1)
				}
				outcomes.Add(1)
			}
		}()

		// cleanup
		b.Cleanup(func() {
			if err := p.Close(context.WithoutCancel(ctx)); err != nil {
				log.Printf("(%s) - error closing publisher: %v\n", test, err)
			}
			<-drained
		})

		messages := make([]client.Message, batch)
		for i := range messages {
			messages[i] = client.Message{Body: make([]byte, perfMessageSize)}
		}

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				start := time.Now()
				if err := p.Send(ctx, messages...); err != nil {
					log.Printf("(%s) - error sending messages: %v\n", test, err)
					outcomes.Add(int64(batch))
				}
				sendTimer.UpdateSince(start)
			}
		})

		awaitCount(test, &outcomes, int64(b.N*batch))
	}
}

// benchConsume measures reading b.N messages from the start of the stream
func benchConsume(ctx context.Context) func(b *testing.B) {
	return func(b *testing.B) {
		if shouldSkip("consume") {
			return
		}

		delivered := gometrics.GetOrRegisterMeter("consume.delivered", perfRegistry)

		// prepare messages
		p, err := streamClient.DeclarePublisher(ctx, client.PublisherConfig{Stream: perfStream, ConfirmBuffer: 10_000})
		if err != nil {
			log.Printf("(consume) - error declaring publisher: %v\n", err)
			return
		}
		var outcomes atomic.Int64
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for range p.Confirms() {
				outcomes.Add(1)
			}
		}()
		for sent := 0; sent < b.N; sent += 1000 {
			messages := make([]client.Message, min(1000, b.N-sent))
			for i := range messages {
				messages[i] = client.Message{Body: make([]byte, perfMessageSize)}
			}
			if err := p.Send(ctx, messages...); err != nil {
				log.Printf("(consume) - error sending messages: %v\n", err)
			}
		}
		awaitCount("consume", &outcomes, int64(b.N))
		if err := p.Close(ctx); err != nil {
			log.Printf("(consume) - error closing publisher: %v\n", err)
		}
		<-drained

		b.ResetTimer()

		var count atomic.Int64
		consumer, err := streamClient.DeclareConsumer(ctx, client.ConsumerConfig{Stream: perfStream, Offset: common.OffsetFirst()},
			func(*client.Consumer, *client.Delivery) {
				delivered.Mark(1)
				count.Add(1)
			})
		if err != nil {
			log.Printf("(consume) - error declaring consumer: %v\n", err)
			return
		}

		awaitCount("consume", &count, int64(b.N))

		b.StopTimer()
		if err := consumer.Close(ctx, true); err != nil {
			log.Printf("(consume) - error closing consumer: %v\n", err)
		}
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// awaitCount waits until counter reached n or perfWait passed
func awaitCount(test string, counter *atomic.Int64, n int64) {
	deadline := time.Now().Add(perfWait)
	for counter.Load() < n {
		if time.Now().After(deadline) {
			log.Printf("(%s) - gave up waiting, %d of %d done\n", test, counter.Load(), n)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoint", "TimeoutSec", "FrameMax", "MaxShared",
		"Threads", "MessageSize", "BatchSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			config.Endpoint(),
			strconv.Itoa(config.TimeoutSecond),
			strconv.FormatUint(uint64(config.FrameMax), 10),
			strconv.Itoa(config.Pool.MaxSharedConnectionInstances),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfMessageSize),
			strconv.Itoa(perfBatchSize),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
