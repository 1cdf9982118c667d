// Package snapshot implements the State Snapshotter: a best-effort,
// human-readable dump of the Peer Registry and Request Table after every
// mutation, for operator inspection.
//
// Unlike events.EventLog's append-only gob log (which this is adapted
// from), a snapshot has no history to replay: each flush fully overwrites
// the file, so the file alone holds the current state. Records carry an
// xxhash checksum so a reader of the file can detect a torn record, the
// same defense-in-depth EventLog applies with CRC32. This package only
// writes snapshots; it has no function that reads one back.
package snapshot

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rishav/p2p-market/internal/registry"
	"github.com/rishav/p2p-market/internal/reqtable"
	"github.com/rishav/p2p-market/internal/wire"
)

// Source supplies the point-in-time views to serialize. *lifecycle.Engine
// implements this.
type Source interface {
	Snapshot() ([]*registry.Peer, []*reqtable.Record)
}

// Snapshotter debounces mutation notifications and flushes a full snapshot
// at most once per interval, the way EventBatcher batches log writes
// instead of fsyncing per event.
type Snapshotter struct {
	path     string
	source   Source
	interval time.Duration

	dirty      chan struct{}
	shutdownCh chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	lastFlush time.Time
}

// New creates a Snapshotter writing to path. Call Start to begin the
// debounce loop and Notify after every Registry/Request Table mutation.
func New(path string, source Source, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Snapshotter{
		path:       path,
		source:     source,
		interval:   interval,
		dirty:      make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetSource wires the state source in after construction, mirroring
// Engine.SetStarter — needed because the engine and snapshotter each
// depend on the other existing first.
func (s *Snapshotter) SetSource(source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

// Start begins the flush loop on its own goroutine.
func (s *Snapshotter) Start() {
	go s.loop()
}

// Notify marks the snapshot dirty. Non-blocking: a pending notification
// already queued is enough to trigger the next flush.
func (s *Snapshotter) Notify() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Snapshotter) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-s.dirty:
			pending = true
		case <-ticker.C:
			if pending {
				if err := s.flush(); err != nil {
					log.Printf("snapshot: flush failed: %v", err)
				}
				pending = false
			}
		case <-s.shutdownCh:
			select {
			case <-s.dirty:
				pending = true
			default:
			}
			if pending {
				if err := s.flush(); err != nil {
					log.Printf("snapshot: final flush failed: %v", err)
				}
			}
			return
		}
	}
}

// Shutdown stops the flush loop, writing one last snapshot if dirty.
func (s *Snapshotter) Shutdown() {
	close(s.shutdownCh)
	<-s.done
}

// flush serializes the current state and writes it with write-temp + rename
// so a reader never observes a torn file (design note "Snapshot on
// mutation").
func (s *Snapshotter) flush() error {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()
	if source == nil {
		return nil
	}
	peers, records := source.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "# snapshot generated_at=%s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# peers=%d requests=%d\n", len(peers), len(records))

	for _, p := range peers {
		line := fmt.Sprintf("peer name=%s host=%s udp_port=%d stream_port=%d registration_rq=%s",
			p.Name, p.Host, p.UDPPort, p.StreamPort, p.RegistrationRQ)
		writeChecked(&b, line)
	}

	for _, r := range records {
		line := formatRecord(r)
		writeChecked(&b, line)
	}

	s.mu.Lock()
	s.lastFlush = time.Now()
	s.mu.Unlock()

	return writeFileAtomic(s.path, []byte(b.String()))
}

func formatRecord(r *reqtable.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "request rq=%s buyer=%s item=%q max_price=%s state=%s operation=%s outcome=%q offers=%d",
		r.RequestID, r.BuyerName, r.ItemName, wire.FormatMoney(r.MaxPrice), r.State, r.Operation, r.Outcome, len(r.Offers))
	if r.Reservation != nil {
		fmt.Fprintf(&sb, " reservation_seller=%s reservation_price=%s", r.Reservation.SellerName, wire.FormatMoney(r.Reservation.Price))
	}
	return sb.String()
}

// writeChecked appends line followed by an xxhash checksum field, so a
// reader of the file can detect a record truncated by a crash mid-write.
func writeChecked(b *strings.Builder, line string) {
	sum := xxhash.Sum64String(line)
	fmt.Fprintf(b, "%s checksum=%s\n", line, strconv.FormatUint(sum, 16))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp snapshot: %w", err)
	}
	return nil
}
