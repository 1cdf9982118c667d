// Command coordinator runs the central marketplace coordinator: the
// Datagram Endpoint, Peer Registry, Request Table, Lifecycle Engine,
// Transaction Orchestrator, and State Snapshotter described in
// internal/coordinator.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rishav/p2p-market/internal/coordinator"
)

func main() {
	listenAddr := flag.String("listen", ":9000", "UDP address to listen on")
	snapshotPath := flag.String("snapshot", "coordinator.snapshot", "path to write the state snapshot to")
	snapshotInterval := flag.Duration("snapshot-interval", 2*time.Second, "minimum interval between snapshot flushes")
	offerWindow := flag.Duration("offer-window", 10*time.Second, "how long to accept offers after the first one arrives")
	abandonTimeout := flag.Duration("abandon-timeout", 120*time.Second, "how long a request waits for any offer before abandoning")
	txnTimeout := flag.Duration("transaction-timeout", 30*time.Second, "I/O timeout for each leg of a transaction stream")
	rateLimitBucket := flag.Int64("rate-limit-bucket", 20, "token bucket size per source address")
	rateLimitRefill := flag.Float64("rate-limit-refill", 5, "token bucket refill rate, tokens/sec")
	redisAddr := flag.String("redis", "", "redis address for shared rate limiting; empty uses an in-process store")
	flag.Parse()

	cfg := coordinator.DefaultConfig()
	cfg.ListenAddr = *listenAddr
	cfg.SnapshotPath = *snapshotPath
	cfg.SnapshotInterval = *snapshotInterval
	cfg.OfferWindow = *offerWindow
	cfg.AbandonTimeout = *abandonTimeout
	cfg.TransactionIOTimeout = *txnTimeout
	cfg.RateLimitBucketSize = *rateLimitBucket
	cfg.RateLimitRefillRate = *rateLimitRefill
	cfg.RedisAddr = *redisAddr

	c, err := coordinator.New(cfg)
	if err != nil {
		log.Fatalf("failed to create coordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	if err := c.Run(ctx); err != nil {
		log.Fatalf("coordinator error: %v", err)
	}

	log.Println("coordinator stopped")
}
