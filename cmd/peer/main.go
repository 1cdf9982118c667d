// Command peer runs one or more Peer Participants against a coordinator.
// In single mode it runs one peer from flags; in roster mode it brings up
// every peer listed in a bootstrap file, staggered the way
// original_source's simulate_peers_from_file staggers its threads.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rishav/p2p-market/internal/peerproc"
)

func main() {
	coordinatorAddr := flag.String("coordinator", "127.0.0.1:9000", "coordinator UDP address")

	name := flag.String("name", "", "peer name (single-peer mode)")
	udpAddr := flag.String("udp", "127.0.0.1:0", "this peer's UDP listen address (single-peer mode)")
	streamAddr := flag.String("stream", "127.0.0.1:0", "this peer's TCP stream listen address (single-peer mode)")
	inventoryPath := flag.String("inventory", "", "path to this peer's inventory file (single-peer mode)")
	ccNumber := flag.String("cc-number", "4111111111111111", "credit card number presented during INFORM_Res")
	ccExpiry := flag.String("cc-expiry", "12/30", "credit card expiry presented during INFORM_Res")
	address := flag.String("address", "", "shipping address presented during INFORM_Res")

	rosterPath := flag.String("roster", "", "path to a bootstrap roster file; runs every peer it lists instead of a single peer")
	rosterHost := flag.String("roster-host", "127.0.0.1", "host each roster peer binds its sockets on")
	rosterStagger := flag.Duration("roster-stagger", time.Second, "delay between starting each roster peer")

	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	if *rosterPath != "" {
		runRosterMode(ctx, *coordinatorAddr, *rosterPath, *rosterHost, *rosterStagger)
		return
	}

	runSingleMode(ctx, *coordinatorAddr, *name, *udpAddr, *streamAddr, *inventoryPath, *ccNumber, *ccExpiry, *address)
}

func runRosterMode(ctx context.Context, coordinatorAddr, rosterPath, host string, stagger time.Duration) {
	roster, err := peerproc.LoadRoster(rosterPath)
	if err != nil {
		log.Fatalf("failed to load roster: %v", err)
	}
	if err := peerproc.RunRoster(ctx, coordinatorAddr, roster, host, stagger); err != nil {
		log.Fatalf("roster error: %v", err)
	}
	log.Println("roster stopped")
}

func runSingleMode(ctx context.Context, coordinatorAddr, name, udpAddr, streamAddr, inventoryPath, ccNumber, ccExpiry, address string) {
	if name == "" {
		log.Fatal("-name is required in single-peer mode")
	}
	if inventoryPath == "" {
		log.Fatal("-inventory is required in single-peer mode")
	}
	if address == "" {
		address = name + "'s address on file"
	}

	inv, err := peerproc.LoadInventory(inventoryPath)
	if err != nil {
		log.Fatalf("failed to load inventory: %v", err)
	}

	cfg := peerproc.Config{
		Name:             name,
		CoordinatorAddr:  coordinatorAddr,
		UDPListenAddr:    udpAddr,
		StreamListenAddr: streamAddr,
		Profile: peerproc.Profile{
			CCNumber: ccNumber,
			CCExpiry: ccExpiry,
			Address:  address,
		},
	}

	p, err := peerproc.New(cfg, inv)
	if err != nil {
		log.Fatalf("failed to create peer: %v", err)
	}
	defer p.Close()

	if err := p.Run(ctx); err != nil {
		log.Fatalf("peer error: %v", err)
	}
	log.Println("peer stopped")
}
