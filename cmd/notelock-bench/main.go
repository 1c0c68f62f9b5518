package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-notelock/v1/lock"
	"github.com/mirkobrombin/go-notelock/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of acquire/release pairs")
	keys        = flag.Int("k", 1, "Number of distinct keys the clients contend on")
	backend     = flag.String("backend", "memory", "Lock backend: memory or redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address for the redis backend")
)

func main() {
	flag.Parse()
	if *concurrency <= 0 || *keys <= 0 {
		log.Fatal("-c and -k must be positive")
	}

	var l lock.Locker
	switch *backend {
	case "memory":
		l = presets.InMemory()
	case "redis":
		client := presets.NewRedisClient(presets.RedisOptions{Addr: *redisAddr})
		defer client.Close()
		l = presets.RedisLocker(client, lock.WithRedisPollInterval(time.Millisecond))
	default:
		log.Fatalf("unknown backend %q", *backend)
	}

	log.Printf("Starting benchmark: %d pairs, %d concurrency, %d keys, %s backend", *requests, *concurrency, *keys, *backend)

	ctx := context.Background()
	var ops, held atomic.Int64
	perWorker := *requests / *concurrency

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				key := fmt.Sprintf("bench-%d", (i+j)%*keys)
				err := lock.Do(gctx, l, key, func(context.Context) error {
					// at most one holder per key, so never more than k at once
					if n := held.Add(1); n > int64(*keys) {
						return fmt.Errorf("%d concurrent holders for %d keys", n, *keys)
					}
					held.Add(-1)
					return nil
				})
				if err != nil {
					return err
				}
				ops.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	total := ops.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f pairs/s", float64(total)/elapsed.Seconds())
	log.Printf("Avg Latency: %.2f ns", elapsed.Seconds()/float64(total)*1e9)
}
