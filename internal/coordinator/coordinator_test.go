package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rishav/p2p-market/internal/wire"
)

// udpPeer is a minimal test double standing in for a registered peer: it
// sends frames to the coordinator and collects whatever comes back.
type udpPeer struct {
	conn *net.UDPConn
	t    *testing.T
}

func newUDPPeer(t *testing.T) *udpPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &udpPeer{conn: conn, t: t}
}

func (p *udpPeer) addr() *net.UDPAddr { return p.conn.LocalAddr().(*net.UDPAddr) }

func (p *udpPeer) send(coord *net.UDPAddr, frame wire.Frame) {
	p.t.Helper()
	if _, err := p.conn.WriteToUDP([]byte(frame.Encode()), coord); err != nil {
		p.t.Fatalf("send %s: %v", frame.Verb(), err)
	}
}

func (p *udpPeer) recv(timeout time.Duration) (wire.Frame, error) {
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, wire.MaxFrameBytes+1)
	n, _, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return wire.ParseDatagram(buf[:n])
}

func startTestCoordinator(t *testing.T) (*Coordinator, func()) {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SnapshotPath = dir + "/snapshot.txt"
	cfg.OfferWindow = 30 * time.Millisecond
	cfg.AbandonTimeout = 60 * time.Millisecond
	cfg.RateLimitBucketSize = 1000
	cfg.RateLimitRefillRate = 1000

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let the receive loop start

	return c, func() {
		cancel()
		c.Close()
		<-done
	}
}

func TestCoordinatorRegisterAndSearchFanOut(t *testing.T) {
	c, stop := startTestCoordinator(t)
	defer stop()

	coordAddr := c.LocalAddr()

	buyer := newUDPPeer(t)
	seller := newUDPPeer(t)

	seller.send(coordAddr, wire.RegisterFrame{RQ: "reg-s", Name: "C", ClaimedHost: "ignored", UDPPort: seller.addr().Port, StreamPort: 6003})
	frame, err := seller.recv(time.Second)
	if err != nil {
		t.Fatalf("expected REGISTERED: %v", err)
	}
	if frame.Verb() != "REGISTERED" {
		t.Fatalf("expected REGISTERED, got %s", frame.Verb())
	}

	buyer.send(coordAddr, wire.RegisterFrame{RQ: "reg-a", Name: "A", UDPPort: buyer.addr().Port, StreamPort: 6001})
	if _, err := buyer.recv(time.Second); err != nil {
		t.Fatalf("expected REGISTERED for buyer: %v", err)
	}

	buyer.send(coordAddr, wire.LookingForFrame{RQ: "r1", Buyer: "A", Item: "book", Description: "x", MaxPrice: 2000})

	search, err := seller.recv(time.Second)
	if err != nil {
		t.Fatalf("expected SEARCH fan-out to registered seller: %v", err)
	}
	sf, ok := search.(wire.SearchFrame)
	if !ok || sf.Item != "book" {
		t.Fatalf("unexpected SEARCH frame: %+v", search)
	}

	seller.send(coordAddr, wire.OfferFrame{RQ: "r1", Seller: "C", Item: "book", Price: 1500})

	found, err := buyer.recv(time.Second)
	if err != nil {
		t.Fatalf("expected FOUND: %v", err)
	}
	ff, ok := found.(wire.FoundFrame)
	if !ok || ff.Seller != "C" || ff.Price != 1500 {
		t.Fatalf("unexpected FOUND frame: %+v", found)
	}

	reserve, err := seller.recv(time.Second)
	if err != nil {
		t.Fatalf("expected RESERVE: %v", err)
	}
	if reserve.Verb() != "RESERVE" {
		t.Fatalf("expected RESERVE, got %s", reserve.Verb())
	}
}

func TestCoordinatorDuplicateRegisterDenied(t *testing.T) {
	c, stop := startTestCoordinator(t)
	defer stop()
	coordAddr := c.LocalAddr()

	p1 := newUDPPeer(t)
	p1.send(coordAddr, wire.RegisterFrame{RQ: "r1", Name: "dup", UDPPort: p1.addr().Port, StreamPort: 7000})
	if f, err := p1.recv(time.Second); err != nil || f.Verb() != "REGISTERED" {
		t.Fatalf("expected REGISTERED, got %v err=%v", f, err)
	}

	p2 := newUDPPeer(t)
	p2.send(coordAddr, wire.RegisterFrame{RQ: "r2", Name: "dup", UDPPort: p2.addr().Port, StreamPort: 7001})
	f, err := p2.recv(time.Second)
	if err != nil {
		t.Fatalf("expected REGISTER-DENIED: %v", err)
	}
	if f.Verb() != "REGISTER-DENIED" {
		t.Fatalf("expected REGISTER-DENIED, got %s", f.Verb())
	}
}
