package coordinator

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rishav/p2p-market/internal/lifecycle"
	"github.com/rishav/p2p-market/internal/ratelimit"
	"github.com/rishav/p2p-market/internal/registry"
	"github.com/rishav/p2p-market/internal/reqtable"
	"github.com/rishav/p2p-market/internal/snapshot"
	"github.com/rishav/p2p-market/internal/txn"
	"github.com/rishav/p2p-market/internal/wire"
)

// Config bundles everything needed to stand up a Coordinator, mirroring
// cmd/server's Config/DefaultConfig shape.
type Config struct {
	ListenAddr       string
	SnapshotPath     string
	SnapshotInterval time.Duration
	OfferWindow      time.Duration
	AbandonTimeout   time.Duration
	TransactionIOTimeout time.Duration

	RateLimitBucketSize  int64
	RateLimitRefillRate  float64
	RedisAddr            string // empty: use the in-process MemStore
}

// DefaultConfig returns the canonical timings used in production.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           ":9000",
		SnapshotPath:         "coordinator.snapshot",
		SnapshotInterval:     2 * time.Second,
		OfferWindow:          10 * time.Second,
		AbandonTimeout:       120 * time.Second,
		TransactionIOTimeout: 30 * time.Second,
		RateLimitBucketSize:  20,
		RateLimitRefillRate:  5,
	}
}

// Coordinator wires the Datagram Endpoint, Peer Registry, Request Table,
// Lifecycle Engine, Transaction Orchestrator, and State Snapshotter into
// one running instance.
type Coordinator struct {
	cfg Config

	engine       *lifecycle.Engine
	orchestrator *txn.Orchestrator
	snapshotter  *snapshot.Snapshotter
	endpoint     *Endpoint
}

// New constructs a Coordinator. It does not bind the socket yet; call Run.
func New(cfg Config) (*Coordinator, error) {
	reg := registry.NewTable()
	reqs := reqtable.NewTable()

	c := &Coordinator{cfg: cfg}

	store, err := buildRateLimitStore(cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	gate := ratelimit.NewGate(store, cfg.RateLimitBucketSize, cfg.RateLimitRefillRate)

	endpoint, err := Listen(cfg.ListenAddr, c, gate)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	c.endpoint = endpoint

	engineCfg := lifecycle.Config{OfferWindow: cfg.OfferWindow, AbandonTimeout: cfg.AbandonTimeout}

	snap := snapshot.New(cfg.SnapshotPath, nil, cfg.SnapshotInterval)
	c.snapshotter = snap

	engine := lifecycle.New(reg, reqs, endpoint, nil, engineCfg, snap.Notify)
	c.engine = engine
	snap.SetSource(engine)

	orch := txn.New(engine, cfg.TransactionIOTimeout, nil, func(s txn.Settlement) {
		log.Printf("settlement tx=%s item=%s total=%s seller_credit=%s coordinator_fee=%s",
			s.TransactionID, s.Item, wire.FormatMoney(s.TotalPrice), wire.FormatMoney(s.SellerCredit), wire.FormatMoney(s.CoordinatorFee))
	})
	c.orchestrator = orch
	engine.SetStarter(orch)

	return c, nil
}

func buildRateLimitStore(redisAddr string) (ratelimit.Store, error) {
	if redisAddr == "" {
		return ratelimit.NewMemStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", redisAddr, err)
	}
	return ratelimit.NewRedisStore(client), nil
}

// Dispatch implements Dispatcher: routes a parsed frame to the matching
// lifecycle engine handler by verb.
func (c *Coordinator) Dispatch(frame wire.Frame, src *net.UDPAddr) {
	switch f := frame.(type) {
	case wire.RegisterFrame:
		c.engine.HandleRegister(f, src)
	case wire.DeregisterFrame:
		c.engine.HandleDeregister(f, src)
	case wire.LookingForFrame:
		c.engine.HandleLookingFor(f, src)
	case wire.OfferFrame:
		c.engine.HandleOffer(f, src)
	case wire.AcceptFrame:
		c.engine.HandleAccept(f, src)
	case wire.RefuseFrame:
		c.engine.HandleRefuse(f, src)
	case wire.DatagramCancelFrame:
		c.engine.HandleCancel(f, src)
	case wire.BuyFrame:
		c.engine.HandleBuy(f, src)
	default:
		log.Printf("dropping frame with unexpected verb %q from %s", frame.Verb(), src)
	}
}

// Run starts the snapshotter and blocks serving the UDP socket until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.snapshotter.Start()
	defer c.snapshotter.Shutdown()

	log.Printf("coordinator listening on %s", c.cfg.ListenAddr)
	return c.endpoint.Run(ctx)
}

// Close releases the socket without waiting for a final snapshot flush.
func (c *Coordinator) Close() error {
	return c.endpoint.Close()
}

// LocalAddr returns the bound socket address.
func (c *Coordinator) LocalAddr() *net.UDPAddr {
	return c.endpoint.LocalAddr()
}
