package peerproc

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Roster is one line of a bootstrap file: "<name> <udp_port> <stream_port>
// <inventory_path>", the same shape as original_source/peer.py's
// test_peers.txt (name/udp_port/tcp_port triples), extended with a
// per-peer inventory file since the original peer carries no stock at
// all.
type Roster struct {
	Name          string
	UDPPort       int
	StreamPort    int
	InventoryPath string
}

// LoadRoster reads a bootstrap file, one peer per line. Blank lines and
// lines starting with # are skipped.
func LoadRoster(path string) ([]Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster %s: %w", path, err)
	}
	defer f.Close()

	var roster []Roster
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("roster %s line %d: want 4 fields, got %d", path, lineNo, len(fields))
		}
		udpPort, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("roster %s line %d: bad udp_port: %w", path, lineNo, err)
		}
		streamPort, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("roster %s line %d: bad stream_port: %w", path, lineNo, err)
		}
		roster = append(roster, Roster{Name: fields[0], UDPPort: udpPort, StreamPort: streamPort, InventoryPath: fields[3]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	return roster, nil
}

// RunRoster brings up one Participant per roster line against a single
// coordinator, staggering each peer's startup by delay (original_source's
// simulate_peers_from_file uses a fixed one-second stagger via
// time.sleep(1) between threads; this generalizes the interval to a
// parameter). It blocks until ctx is cancelled, running every peer
// concurrently once all have started.
func RunRoster(ctx context.Context, coordinatorAddr string, roster []Roster, host string, delay time.Duration) error {
	errs := make(chan error, len(roster))
	for i, r := range roster {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		inv, err := LoadInventory(r.InventoryPath)
		if err != nil {
			return fmt.Errorf("peer %s: %w", r.Name, err)
		}
		cfg := Config{
			Name:             r.Name,
			CoordinatorAddr:  coordinatorAddr,
			UDPListenAddr:    fmt.Sprintf("%s:%d", host, r.UDPPort),
			StreamListenAddr: fmt.Sprintf("%s:%d", host, r.StreamPort),
			Profile: Profile{
				CCNumber: "4111111111111111",
				CCExpiry: "12/30",
				Address:  fmt.Sprintf("%s's address on file", r.Name),
			},
		}
		p, err := New(cfg, inv)
		if err != nil {
			return fmt.Errorf("peer %s: %w", r.Name, err)
		}

		log.Printf("bootstrap: starting peer %s (udp=%d stream=%d)", r.Name, r.UDPPort, r.StreamPort)
		go func(peer *Participant) {
			errs <- peer.Run(ctx)
		}(p)
	}

	for range roster {
		if err := <-errs; err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}
