// Package peerproc implements the Peer Participant: inventory-backed
// SEARCH/NEGOTIATE/FOUND responses over UDP, and the
// INFORM_Req/Shipping_Info/CANCEL stream side of a transaction over TCP.
//
// The on-disk inventory format is adapted from original_source/peer.py's
// "name udp_port tcp_port"-per-line bootstrap file: same whitespace-
// separated, one-record-per-line shape, extended with an asking price
// since the original left item pricing as a TODO.
package peerproc

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rishav/p2p-market/internal/wire"
)

// Item is one line of inventory: a name, an asking price, and a floor below
// which this peer will not negotiate.
type Item struct {
	Name       string
	AskPrice   int64
	FloorPrice int64
}

// Inventory is a peer's local stock, guarded by its own mutex since it is
// read from the UDP handler goroutines independently of any
// coordinator-side lock. It is loaded once by LoadInventory and not
// reloaded afterwards.
type Inventory struct {
	mu    sync.RWMutex
	items map[string]Item
}

// LoadInventory reads a file of "<item> <ask_price> <floor_price>" lines,
// one item per line, blank lines and lines starting with # ignored.
func LoadInventory(path string) (*Inventory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open inventory %s: %w", path, err)
	}
	defer f.Close()

	inv := &Inventory{items: make(map[string]Item)}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("inventory %s line %d: want 3 fields, got %d", path, lineNo, len(fields))
		}
		ask, err := wire.ParseMoney(fields[1])
		if err != nil {
			return nil, fmt.Errorf("inventory %s line %d: ask price: %w", path, lineNo, err)
		}
		floor, err := wire.ParseMoney(fields[2])
		if err != nil {
			return nil, fmt.Errorf("inventory %s line %d: floor price: %w", path, lineNo, err)
		}
		inv.items[fields[0]] = Item{Name: fields[0], AskPrice: ask, FloorPrice: floor}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}
	return inv, nil
}

// Lookup returns the item by name, if this peer stocks it.
func (inv *Inventory) Lookup(name string) (Item, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	it, ok := inv.items[name]
	return it, ok
}

// counter negotiates a counter-offer no lower than the item's floor price,
// matching the buyer's max_price whenever that clears the floor.
func (it Item) counter(maxPrice int64) int64 {
	if maxPrice >= it.FloorPrice {
		return maxPrice
	}
	return it.FloorPrice
}
