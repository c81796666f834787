package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/spf13/cobra"

	"github.com/redial-dev/redial/client"
	"github.com/redial-dev/redial/pool"
)

var probeCmd = &cobra.Command{
	Use:   "probe URL",
	Short: "Repeatedly establish connections and summarize acquisition latency",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := args[0]
		count, _ := cmd.Flags().GetInt("count")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		follow, _ := cmd.Flags().GetBool("follow")

		opts, err := profileOptions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, client.WithLogger(newLogger()))
		if follow {
			opts = append(opts, client.WithFollowRedirects())
		}

		p := pool.New()
		defer p.Close()
		engine := client.New(p, pool.NewResolver(), opts...)

		// Latency range 1µs..1min, 3 significant figures.
		hist := hdrhistogram.New(1, time.Minute.Microseconds(), 3)
		var histMu sync.Mutex
		var failures atomic.Int64

		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		for i := 0; i < count; i++ {
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()

				start := time.Now()
				conn, err := engine.Connect(ctx, "GET", url).Await(ctx)
				if err != nil {
					failures.Add(1)
					return
				}
				elapsed := time.Since(start)
				_, _ = io.Copy(io.Discard, conn.Body())
				conn.Release()

				histMu.Lock()
				_ = hist.RecordValue(elapsed.Microseconds())
				histMu.Unlock()
			}()
		}
		wg.Wait()

		failed := failures.Load()
		fmt.Printf("connections: %d  ok: %d  failed: %d\n", count, int64(count)-failed, failed)
		if hist.TotalCount() > 0 {
			fmt.Printf("latency  p50: %s  p90: %s  p99: %s  max: %s\n",
				microseconds(hist.ValueAtQuantile(50)),
				microseconds(hist.ValueAtQuantile(90)),
				microseconds(hist.ValueAtQuantile(99)),
				microseconds(hist.Max()))
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

func microseconds(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

func init() {
	probeCmd.Flags().IntP("count", "n", 10, "Number of connections to establish")
	probeCmd.Flags().Int("concurrency", 1, "Number of concurrent connections")
	probeCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Per-connection timeout")
	probeCmd.Flags().BoolP("follow", "L", false, "Follow redirects")
}
